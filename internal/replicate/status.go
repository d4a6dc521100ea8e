package replicate

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/etlerr"
)

// StatusTable is the replicator-owned tracking table on the replication
// database. The replicator never creates it; a missing table is a
// configuration error.
const StatusTable = "etl_copy_status"

// Copy status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// CopyStatus is one row of etl_copy_status.
type CopyStatus struct {
	TableName         string         `db:"table_name"`
	LastCopied        time.Time      `db:"last_copied"`
	RowsCopied        int64          `db:"rows_copied"`
	CopyStatus        string         `db:"copy_status"`
	LastPrimaryValue  sql.NullString `db:"last_primary_value"`
	PrimaryColumnName sql.NullString `db:"primary_column_name"`
}

// ensureStatusTable verifies the tracking table exists on the replication
// database. Creating it is the deployment's job, not the replicator's.
func ensureStatusTable(ctx context.Context, m *dbconn.Manager) error {
	var count int
	err := m.Get(ctx, &count,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?",
		StatusTable)
	if err != nil {
		return err
	}
	if count == 0 {
		return etlerr.Newf(etlerr.KindConfiguration, "replicate.status",
			"tracking table %s does not exist on the replication database", StatusTable)
	}
	return nil
}

// readStatus returns the tracking row for a table, or nil when none exists.
func readStatus(ctx context.Context, m *dbconn.Manager, table string) (*CopyStatus, error) {
	var st CopyStatus
	err := m.Get(ctx, &st,
		"SELECT table_name, last_copied, rows_copied, copy_status, last_primary_value, primary_column_name"+
			" FROM "+StatusTable+" WHERE table_name = ?", table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// upsertStatus writes the tracking row idempotently. It runs outside any data
// transaction so a failed copy still leaves a failed row behind.
func upsertStatus(ctx context.Context, m *dbconn.Manager, st *CopyStatus) error {
	_, err := m.Exec(ctx,
		"INSERT INTO "+StatusTable+
			" (table_name, last_copied, rows_copied, copy_status, last_primary_value, primary_column_name)"+
			" VALUES (?, ?, ?, ?, ?, ?)"+
			" ON DUPLICATE KEY UPDATE"+
			" last_copied = VALUES(last_copied),"+
			" rows_copied = VALUES(rows_copied),"+
			" copy_status = VALUES(copy_status),"+
			" last_primary_value = VALUES(last_primary_value),"+
			" primary_column_name = VALUES(primary_column_name)",
		st.TableName, st.LastCopied.UTC(), st.RowsCopied, st.CopyStatus,
		st.LastPrimaryValue, st.PrimaryColumnName)
	return err
}

// ReadAllStatus returns every tracking row, ordered by table name. Used by
// operational status reporting.
func ReadAllStatus(ctx context.Context, m *dbconn.Manager) ([]CopyStatus, error) {
	var rows []CopyStatus
	err := m.Select(ctx, &rows,
		"SELECT table_name, last_copied, rows_copied, copy_status, last_primary_value, primary_column_name"+
			" FROM "+StatusTable+" ORDER BY table_name")
	if err != nil {
		return nil, err
	}
	return rows, nil
}
