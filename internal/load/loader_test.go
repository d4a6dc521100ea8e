package load

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/settings"
)

const patientDDL = "CREATE TABLE `patient` (\n" +
	"  `PatNum` bigint(20) NOT NULL AUTO_INCREMENT,\n" +
	"  `LName` varchar(100) DEFAULT NULL,\n" +
	"  PRIMARY KEY (`PatNum`)\n" +
	") ENGINE=InnoDB"

const appointmentDDL = "CREATE TABLE `appointment` (\n" +
	"  `AptNum` bigint(20) NOT NULL,\n" +
	"  `AptDateTime` datetime NOT NULL,\n" +
	"  PRIMARY KEY (`AptNum`)\n" +
	") ENGINE=InnoDB"

// Same columns as patientDDL, declared in the opposite order of the test
// configuration.
const reorderedPatientDDL = "CREATE TABLE `patient` (\n" +
	"  `LName` varchar(100) DEFAULT NULL,\n" +
	"  `PatNum` bigint(20) NOT NULL AUTO_INCREMENT,\n" +
	"  PRIMARY KEY (`PatNum`)\n" +
	") ENGINE=InnoDB"

const extendedPatientDDL = "CREATE TABLE `patient` (\n" +
	"  `PatNum` bigint(20) NOT NULL AUTO_INCREMENT,\n" +
	"  `LName` varchar(100) DEFAULT NULL,\n" +
	"  `Birthdate` date DEFAULT NULL,\n" +
	"  PRIMARY KEY (`PatNum`)\n" +
	") ENGINE=InnoDB"

func strPtr(s string) *string { return &s }

func testLoader(t *testing.T) (*Loader, sqlmock.Sqlmock, sqlmock.Sqlmock) {
	t.Helper()
	tables := map[string]*config.TableConfig{
		"patient": {
			Strategy: config.FullTable,
			Category: config.CategorySmall,
			Columns: []config.ColumnSpec{
				{Name: "PatNum", Type: "bigint", PrimaryKey: true},
				{Name: "LName", Type: "varchar(100)", Nullable: true},
			},
			PrimaryKeys: []string{"PatNum"},
		},
		"appointment": {
			Strategy:                 config.Incremental,
			Category:                 config.CategorySmall,
			PrimaryIncrementalColumn: strPtr("AptDateTime"),
			Columns: []config.ColumnSpec{
				{Name: "AptNum", Type: "bigint", PrimaryKey: true},
				{Name: "AptDateTime", Type: "datetime"},
			},
			PrimaryKeys: []string{"AptNum"},
		},
	}
	set, err := config.NewTableSet(tables)
	if err != nil {
		t.Fatalf("NewTableSet() error: %v", err)
	}
	prov := config.NewStaticProvider(nil, set, map[string]string{config.EnvVarName: "test"})
	s, err := settings.New(prov)
	if err != nil {
		t.Fatalf("settings.New() error: %v", err)
	}

	repDB, repMock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	anDB, anMock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	replication := sqlx.NewDb(repDB, "sqlmock")
	analytics := sqlx.NewDb(anDB, "sqlmock")
	t.Cleanup(func() {
		replication.Close()
		analytics.Close()
	})

	l := New(s, nil, replication, analytics, WithManagerOptions(
		dbconn.WithInterQueryDelay(time.Millisecond),
		dbconn.WithRetryPolicy(1, time.Millisecond)))
	return l, repMock, anMock
}

func expectEnsureStatusTable(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectTableExists(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
}

func TestLoadTableFull(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	expectEnsureStatusTable(anMock)
	repMock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("patient", patientDDL))
	expectTableExists(anMock)
	anMock.ExpectQuery("SELECT table_name, last_loaded").WillReturnError(sql.ErrNoRows)
	anMock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 1)) // running

	srcRows := sqlmock.NewRows([]string{"PatNum", "LName"})
	for i := 1; i <= 3; i++ {
		srcRows.AddRow(int64(i), []byte("name"))
	}
	repMock.ExpectQuery("SELECT `PatNum`, `LName` FROM `patient` ORDER BY `PatNum`").
		WillReturnRows(srcRows)

	anMock.ExpectBegin()
	anMock.ExpectExec("TRUNCATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	anMock.ExpectExec(`INSERT INTO "raw"."patient"`).WillReturnResult(sqlmock.NewResult(0, 3))
	anMock.ExpectCommit()

	anMock.ExpectExec("INSERT INTO").
		WithArgs("patient", sqlmock.AnyArg(), int64(3), StatusSuccess).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.LoadTable(context.Background(), "patient", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadTable() = false, want true")
	}
	if err := anMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if err := repMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// A tables.yml whose column order differs from the live DDL must still land
// every value in its own column: the whole load path follows the DDL order.
func TestLoadTableFullReorderedColumns(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	expectEnsureStatusTable(anMock)
	repMock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("patient", reorderedPatientDDL))
	expectTableExists(anMock)
	anMock.ExpectQuery("SELECT table_name, last_loaded").WillReturnError(sql.ErrNoRows)
	anMock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 1)) // running

	// Extraction follows the DDL order, LName first.
	repMock.ExpectQuery("SELECT `LName`, `PatNum` FROM `patient` ORDER BY `PatNum`").
		WillReturnRows(sqlmock.NewRows([]string{"LName", "PatNum"}).
			AddRow([]byte("name"), int64(1)))

	anMock.ExpectBegin()
	anMock.ExpectExec("TRUNCATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	anMock.ExpectExec(`"LName", "PatNum"`).
		WithArgs("name", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	anMock.ExpectCommit()

	anMock.ExpectExec("INSERT INTO").
		WithArgs("patient", sqlmock.AnyArg(), int64(1), StatusSuccess).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.LoadTable(context.Background(), "patient", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadTable() = false, want true")
	}
	if err := anMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if err := repMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// A live table carrying a column the configuration does not list fails the
// load before any row moves.
func TestLoadTableColumnMismatchFails(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	expectEnsureStatusTable(anMock)
	repMock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("patient", extendedPatientDDL))
	// No target DDL, no extraction: only the failed row is recorded.
	anMock.ExpectExec("INSERT INTO").
		WithArgs("patient", sqlmock.AnyArg(), int64(0), StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.LoadTable(context.Background(), "patient", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v, want per-table false", err)
	}
	if ok {
		t.Error("LoadTable() = true with an unconfigured column in the table")
	}
	if err := anMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if err := repMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadTableIncrementalUpserts(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	watermark := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	expectEnsureStatusTable(anMock)
	repMock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("appointment", appointmentDDL))
	expectTableExists(anMock)
	anMock.ExpectQuery("SELECT table_name, last_loaded").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "last_loaded", "rows_loaded", "load_status"}).
			AddRow("appointment", watermark, int64(50), StatusSuccess))
	anMock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 1)) // running

	repMock.ExpectQuery("SELECT `AptNum`, `AptDateTime` FROM `appointment` WHERE").
		WithArgs(watermark).
		WillReturnRows(sqlmock.NewRows([]string{"AptNum", "AptDateTime"}).
			AddRow(int64(51), watermark.Add(time.Hour)).
			AddRow(int64(52), watermark.Add(2*time.Hour)))

	anMock.ExpectBegin()
	anMock.ExpectExec("ON CONFLICT").WillReturnResult(sqlmock.NewResult(0, 2))
	anMock.ExpectCommit()

	anMock.ExpectExec("INSERT INTO").
		WithArgs("appointment", sqlmock.AnyArg(), int64(2), StatusSuccess).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.LoadTable(context.Background(), "appointment", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadTable() = false, want true")
	}
	if err := anMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
	if err := repMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadTableChunkedIncremental(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	watermark := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	expectEnsureStatusTable(anMock)
	repMock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnRows(sqlmock.NewRows([]string{"Table", "Create Table"}).AddRow("appointment", appointmentDDL))
	expectTableExists(anMock)
	anMock.ExpectQuery("SELECT table_name, last_loaded").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "last_loaded", "rows_loaded", "load_status"}).
			AddRow("appointment", watermark, int64(50), StatusSuccess))
	anMock.ExpectExec("INSERT INTO").WillReturnResult(sqlmock.NewResult(0, 1)) // running

	// 3 rows with chunk size 1000: one populated chunk transaction.
	repMock.ExpectQuery("SELECT `AptNum`, `AptDateTime` FROM `appointment` WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"AptNum", "AptDateTime"}).
			AddRow(int64(51), watermark.Add(time.Hour)).
			AddRow(int64(52), watermark.Add(2*time.Hour)).
			AddRow(int64(53), watermark.Add(3*time.Hour)))

	anMock.ExpectBegin()
	anMock.ExpectExec("ON CONFLICT").WillReturnResult(sqlmock.NewResult(0, 3))
	anMock.ExpectCommit()

	anMock.ExpectExec("INSERT INTO").
		WithArgs("appointment", sqlmock.AnyArg(), int64(3), StatusSuccess).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.LoadTableChunked(context.Background(), "appointment", false, 1000)
	if err != nil {
		t.Fatalf("LoadTableChunked() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadTableChunked() = false, want true")
	}
	if err := anMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadTableRecordsFailure(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	expectEnsureStatusTable(anMock)
	repMock.ExpectQuery("SHOW CREATE TABLE").
		WillReturnError(sql.ErrConnDone)
	// The failed row is still recorded.
	anMock.ExpectExec("INSERT INTO").
		WithArgs("patient", sqlmock.AnyArg(), int64(0), StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := l.LoadTable(context.Background(), "patient", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v, want per-table false", err)
	}
	if ok {
		t.Error("LoadTable() = true after DDL fetch failure")
	}
	if err := anMock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestLoadTableUnknown(t *testing.T) {
	l, _, _ := testLoader(t)
	ok, err := l.LoadTable(context.Background(), "nonexistent", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v", err)
	}
	if ok {
		t.Error("LoadTable() = true for unknown table")
	}
}

func TestVerifyLoad(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	repMock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	anMock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))

	ok, err := l.VerifyLoad(context.Background(), "patient")
	if err != nil {
		t.Fatalf("VerifyLoad() error: %v", err)
	}
	if !ok {
		t.Error("VerifyLoad() = false for matching counts")
	}
}

func TestVerifyLoadMismatch(t *testing.T) {
	l, repMock, anMock := testLoader(t)

	repMock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	anMock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	ok, err := l.VerifyLoad(context.Background(), "patient")
	if err != nil {
		t.Fatalf("VerifyLoad() error: %v", err)
	}
	if ok {
		t.Error("VerifyLoad() = true for mismatched counts")
	}
}

func TestVerifyLoadUnknownTable(t *testing.T) {
	l, _, _ := testLoader(t)
	if _, err := l.VerifyLoad(context.Background(), "nonexistent"); err == nil {
		t.Error("VerifyLoad() error = nil for unknown table")
	}
}

func TestLoadTablesReportsUnknownNames(t *testing.T) {
	l, _, _ := testLoader(t)
	results, err := l.LoadTables(context.Background(), []string{"nonexistent"}, 1, false)
	if err != nil {
		t.Fatalf("LoadTables() error: %v", err)
	}
	if ok, present := results["nonexistent"]; !present || ok {
		t.Errorf("results = %v, want nonexistent: false", results)
	}
}
