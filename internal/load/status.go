package load

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/schema"
)

// StatusTable is the loader-owned tracking table in the analytics schema.
// The loader already owns analytics DDL, so it creates this table itself.
const StatusTable = "etl_load_status"

// Load status values.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// LoadStatus is one row of etl_load_status. last_loaded doubles as the
// incremental watermark for the next run.
type LoadStatus struct {
	TableName  string    `db:"table_name"`
	LastLoaded time.Time `db:"last_loaded"`
	RowsLoaded int64     `db:"rows_loaded"`
	LoadStatus string    `db:"load_status"`
}

func qualifiedStatusTable(s config.AnalyticsSchema) string {
	return schema.QuoteIdent(string(s)) + "." + schema.QuoteIdent(StatusTable)
}

// ensureStatusTable creates the tracking table if it does not exist yet.
func ensureStatusTable(ctx context.Context, m *dbconn.Manager, s config.AnalyticsSchema) error {
	if _, err := m.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+schema.QuoteIdent(string(s))); err != nil {
		return err
	}
	_, err := m.Exec(ctx, "CREATE TABLE IF NOT EXISTS "+qualifiedStatusTable(s)+
		" (table_name text PRIMARY KEY,"+
		" last_loaded timestamp NOT NULL,"+
		" rows_loaded bigint NOT NULL DEFAULT 0,"+
		" load_status text NOT NULL)")
	return err
}

// readStatus returns the tracking row for a table, or nil when none exists.
func readStatus(ctx context.Context, m *dbconn.Manager, s config.AnalyticsSchema, table string) (*LoadStatus, error) {
	var st LoadStatus
	err := m.Get(ctx, &st,
		"SELECT table_name, last_loaded, rows_loaded, load_status FROM "+
			qualifiedStatusTable(s)+" WHERE table_name = $1", table)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// upsertStatus writes the tracking row idempotently, outside any data
// transaction so a failed load still leaves a failed row behind.
func upsertStatus(ctx context.Context, m *dbconn.Manager, s config.AnalyticsSchema, st *LoadStatus) error {
	_, err := m.Exec(ctx,
		"INSERT INTO "+qualifiedStatusTable(s)+
			" (table_name, last_loaded, rows_loaded, load_status)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (table_name) DO UPDATE SET"+
			" last_loaded = EXCLUDED.last_loaded,"+
			" rows_loaded = EXCLUDED.rows_loaded,"+
			" load_status = EXCLUDED.load_status",
		st.TableName, st.LastLoaded.UTC(), st.RowsLoaded, st.LoadStatus)
	return err
}

// ReadAllStatus returns every tracking row, ordered by table name. Used by
// operational status reporting.
func ReadAllStatus(ctx context.Context, m *dbconn.Manager, s config.AnalyticsSchema) ([]LoadStatus, error) {
	var rows []LoadStatus
	err := m.Select(ctx, &rows,
		"SELECT table_name, last_loaded, rows_loaded, load_status FROM "+
			qualifiedStatusTable(s)+" ORDER BY table_name")
	if err != nil {
		return nil, err
	}
	return rows, nil
}
