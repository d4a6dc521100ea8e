package dbconn

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/etlerr"
)

func newMockManager(t *testing.T, opts ...ManagerOption) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	sdb := sqlx.NewDb(db, "sqlmock")
	m := NewManager(sdb, config.Replication, opts...)
	t.Cleanup(func() {
		m.Close()
		sdb.Close()
	})
	return m, mock
}

func TestManagerDefaults(t *testing.T) {
	m, _ := newMockManager(t)
	if m.maxAttempts != 3 {
		t.Errorf("default attempts = %d, want 3", m.maxAttempts)
	}
	if m.baseDelay != time.Second {
		t.Errorf("default base delay = %v, want 1s", m.baseDelay)
	}
}

func TestManagerExec(t *testing.T) {
	m, mock := newMockManager(t)
	mock.ExpectExec("UPDATE etl_copy_status").WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := m.Exec(context.Background(), "UPDATE etl_copy_status SET rows_copied = ?", 5)
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Errorf("RowsAffected() = %d, want 1", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestManagerRetriesTransient(t *testing.T) {
	m, mock := newMockManager(t, WithRetryPolicy(3, 5*time.Millisecond), WithInterQueryDelay(time.Millisecond))

	deadlock := &mysqldriver.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
	mock.ExpectExec("INSERT INTO patient").WillReturnError(deadlock)
	mock.ExpectExec("INSERT INTO patient").WillReturnError(deadlock)
	mock.ExpectExec("INSERT INTO patient").WillReturnResult(sqlmock.NewResult(0, 2))

	start := time.Now()
	_, err := m.Exec(context.Background(), "INSERT INTO patient (PatNum) VALUES (?), (?)", 1, 2)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Exec() after transient failures = %v, want success", err)
	}
	// Backoff sleeps 5ms then 10ms before the second and third attempts.
	if elapsed < 15*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 15ms of backoff", elapsed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestManagerStopsOnTerminal(t *testing.T) {
	m, mock := newMockManager(t, WithRetryPolicy(3, time.Millisecond), WithInterQueryDelay(time.Millisecond))

	parseErr := &mysqldriver.MySQLError{Number: 1064, Message: "You have an error in your SQL syntax"}
	mock.ExpectExec("SELECT bogus").WillReturnError(parseErr)

	_, err := m.Exec(context.Background(), "SELECT bogus FROM")
	if err == nil {
		t.Fatal("Exec() = nil, want terminal error")
	}
	if etlerr.KindOf(err) != etlerr.KindQuery {
		t.Errorf("error kind = %v, want query", etlerr.KindOf(err))
	}
	// A second attempt would trip an unmet expectation here.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestManagerRetryExhaustion(t *testing.T) {
	m, mock := newMockManager(t, WithRetryPolicy(3, time.Millisecond), WithInterQueryDelay(time.Millisecond))

	gone := &mysqldriver.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	for i := 0; i < 3; i++ {
		mock.ExpectExec("DELETE FROM claim").WillReturnError(gone)
	}

	_, err := m.Exec(context.Background(), "DELETE FROM claim WHERE ClaimNum = ?", 9)
	if err == nil {
		t.Fatal("Exec() = nil, want error after exhausting retries")
	}
	if etlerr.KindOf(err) != etlerr.KindQuery {
		t.Errorf("error kind = %v, want query", etlerr.KindOf(err))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestManagerRateLimit(t *testing.T) {
	m, mock := newMockManager(t)
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT 1").WillReturnResult(sqlmock.NewResult(0, 0))

	start := time.Now()
	if _, err := m.Exec(context.Background(), "SELECT 1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Exec(context.Background(), "SELECT 1"); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < DefaultInterQueryDelay {
		t.Errorf("two calls completed in %v, want >= %v between them", elapsed, DefaultInterQueryDelay)
	}
}

func TestManagerGetAndSelect(t *testing.T) {
	m, mock := newMockManager(t, WithInterQueryDelay(time.Millisecond))

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(42))
	var count int64
	if err := m.Get(context.Background(), &count, "SELECT COUNT(*) AS n FROM patient"); err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}

	mock.ExpectQuery("SELECT table_name").
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("patient").AddRow("claim"))
	var names []string
	if err := m.Select(context.Background(), &names, "SELECT table_name FROM etl_copy_status"); err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if len(names) != 2 || names[0] != "patient" {
		t.Errorf("names = %v", names)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestManagerContextCancelled(t *testing.T) {
	m, _ := newMockManager(t, WithInterQueryDelay(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Exec(ctx, "SELECT 1"); err == nil {
		t.Error("Exec() with cancelled context = nil, want error")
	}
}
