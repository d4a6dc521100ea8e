//go:build integration

package test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/load"
	"github.com/odxtools/odetl/internal/replicate"
	"github.com/odxtools/odetl/internal/settings"
)

/*
Integration tests for odetl with real databases.

To run these tests:
1. Start test databases: docker-compose -f docker-compose.test.yml up -d
2. Wait for healthy: docker-compose -f docker-compose.test.yml ps
3. Run tests: go test -tags=integration ./test
4. Cleanup: docker-compose -f docker-compose.test.yml down -v

Environment variables:
- ODETL_SOURCE_DSN: MySQL DSN for the source database (default: odetl:test_password@tcp(localhost:13306)/opendental?parseTime=true)
- ODETL_REPLICATION_DSN: MySQL DSN for the replication database (default: odetl:test_password@tcp(localhost:13307)/opendental_repl?parseTime=true)
- ODETL_ANALYTICS_DSN: pgx DSN for the analytics database (default: host=localhost port=15432 dbname=analytics user=odetl password=test_password)
*/

func sourceDSN() string {
	if dsn := os.Getenv("ODETL_SOURCE_DSN"); dsn != "" {
		return dsn
	}
	return "odetl:test_password@tcp(localhost:13306)/opendental?parseTime=true"
}

func replicationDSN() string {
	if dsn := os.Getenv("ODETL_REPLICATION_DSN"); dsn != "" {
		return dsn
	}
	return "odetl:test_password@tcp(localhost:13307)/opendental_repl?parseTime=true"
}

func analyticsDSN() string {
	if dsn := os.Getenv("ODETL_ANALYTICS_DSN"); dsn != "" {
		return dsn
	}
	return "host=localhost port=15432 dbname=analytics user=odetl password=test_password"
}

func waitFor(driver, dsn string, maxAttempts int) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		var db *sql.DB
		db, err = sql.Open(driver, dsn)
		if err == nil {
			err = db.Ping()
			db.Close()
			if err == nil {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return err
}

func openAll(t *testing.T) (source, replication, analytics *sqlx.DB) {
	t.Helper()
	if err := waitFor("mysql", sourceDSN(), 30); err != nil {
		t.Skipf("source MySQL not available: %v", err)
	}
	if err := waitFor("mysql", replicationDSN(), 30); err != nil {
		t.Skipf("replication MySQL not available: %v", err)
	}
	if err := waitFor("pgx", analyticsDSN(), 30); err != nil {
		t.Skipf("analytics PostgreSQL not available: %v", err)
	}

	source = sqlx.MustOpen("mysql", sourceDSN())
	replication = sqlx.MustOpen("mysql", replicationDSN())
	analytics = sqlx.MustOpen("pgx", analyticsDSN())
	t.Cleanup(func() {
		source.Close()
		replication.Close()
		analytics.Close()
	})
	return source, replication, analytics
}

func testSettings(t *testing.T) *settings.Settings {
	t.Helper()
	set, err := config.NewTableSet(map[string]*config.TableConfig{
		"patient": {
			Strategy: config.FullTable,
			Category: config.CategorySmall,
			Columns: []config.ColumnSpec{
				{Name: "PatNum", Type: "bigint", PrimaryKey: true},
				{Name: "LName", Type: "varchar(100)", Nullable: true},
				{Name: "DateTStamp", Type: "timestamp"},
			},
			PrimaryKeys: []string{"PatNum"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	prov := config.NewStaticProvider(nil, set, map[string]string{config.EnvVarName: "test"})
	s, err := settings.New(prov)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func seedSource(t *testing.T, source, replication *sqlx.DB) {
	t.Helper()
	ddl := "CREATE TABLE IF NOT EXISTS patient (" +
		"PatNum bigint NOT NULL AUTO_INCREMENT," +
		"LName varchar(100) DEFAULT NULL," +
		"DateTStamp timestamp NOT NULL DEFAULT CURRENT_TIMESTAMP," +
		"PRIMARY KEY (PatNum))"
	source.MustExec(ddl)
	source.MustExec("TRUNCATE TABLE patient")
	for i := 0; i < 100; i++ {
		source.MustExec("INSERT INTO patient (LName) VALUES (?)", "patient")
	}

	replication.MustExec(ddl)
	replication.MustExec("TRUNCATE TABLE patient")
	replication.MustExec("CREATE TABLE IF NOT EXISTS etl_copy_status (" +
		"table_name varchar(128) NOT NULL PRIMARY KEY," +
		"last_copied timestamp NOT NULL," +
		"rows_copied bigint NOT NULL DEFAULT 0," +
		"copy_status varchar(16) NOT NULL," +
		"last_primary_value varchar(64) NULL," +
		"primary_column_name varchar(128) NULL)")
}

func TestReplicateThenLoadEndToEnd(t *testing.T) {
	source, replication, analytics := openAll(t)
	seedSource(t, source, replication)
	s := testSettings(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	rep := replicate.New(s, source, replication)
	ok, err := rep.CopyTable(ctx, "patient", false)
	if err != nil {
		t.Fatalf("CopyTable() error: %v", err)
	}
	if !ok {
		t.Fatal("CopyTable() = false")
	}

	var copied int64
	if err := replication.Get(&copied, "SELECT COUNT(*) FROM patient"); err != nil {
		t.Fatal(err)
	}
	if copied != 100 {
		t.Fatalf("replicated rows = %d, want 100", copied)
	}

	loader := load.New(s, source, replication, analytics)
	ok, err = loader.LoadTable(ctx, "patient", false)
	if err != nil {
		t.Fatalf("LoadTable() error: %v", err)
	}
	if !ok {
		t.Fatal("LoadTable() = false")
	}

	match, err := loader.VerifyLoad(ctx, "patient")
	if err != nil {
		t.Fatalf("VerifyLoad() error: %v", err)
	}
	if !match {
		t.Error("VerifyLoad() = false after a full load")
	}

	// A rerun without new rows must be a no-op copy, not a failure.
	ok, err = rep.CopyTable(ctx, "patient", false)
	if err != nil || !ok {
		t.Fatalf("rerun CopyTable() = (%v, %v)", ok, err)
	}
}
