package load

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/etlerr"
	"github.com/odxtools/odetl/internal/schema"
)

// Strategy thresholds. Categories pick the shape; size and row estimates can
// push a table up a tier.
const (
	standardSizeLimitMB = 50
	batchedSizeLimitMB  = 100
	chunkedRowThreshold = 1000000
)

// maxPGParameters caps the bind parameters in one statement; the PostgreSQL
// extended protocol limit is 65535.
const maxPGParameters = 60000

type strategy int

const (
	strategyStandard strategy = iota
	strategyBatched
	strategyChunked
)

func (s strategy) String() string {
	switch s {
	case strategyStandard:
		return "standard"
	case strategyBatched:
		return "batched"
	case strategyChunked:
		return "chunked"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// selectStrategy maps a table's performance category and estimates onto a
// load strategy.
func selectStrategy(cfg *config.TableConfig) strategy {
	switch {
	case cfg.Category == config.CategoryLarge,
		cfg.Category == config.CategoryXLarge,
		cfg.EstimatedSizeMB > batchedSizeLimitMB,
		cfg.EstimatedRows > chunkedRowThreshold:
		return strategyChunked
	case cfg.Category == config.CategoryMedium,
		cfg.EstimatedSizeMB > standardSizeLimitMB:
		return strategyBatched
	default:
		return strategyStandard
	}
}

// incrementalColumns returns the columns that gate an incremental load: the
// primary incremental column when configured, else the candidate list. Empty
// means the table always loads in full. The configured extraction strategy
// governs only the replicate stage; the loader decides full-vs-incremental
// from this list alone.
func incrementalColumns(cfg *config.TableConfig) []string {
	if col, ok := cfg.PrimaryColumn(); ok {
		return []string{col}
	}
	return cfg.IncrementalColumns
}

// loadRun is the per-table state for one load: the replication-side manager
// for extraction, the pooled analytics handle for transactions and COPY, and
// the translated table definition driving row conversion.
type loadRun struct {
	cfg        *config.TableConfig
	def        *schema.Definition
	extraction *dbconn.Manager
	analytics  *sqlx.DB
	schemaName config.AnalyticsSchema
	batch      int
	logger     *zap.Logger
}

func (r *loadRun) qualifiedTable() string {
	return schema.QuoteIdent(string(r.schemaName)) + "." + schema.QuoteIdent(r.def.Table)
}

// extract opens the replication-side row stream. Incremental loads filter on
// the watermark across every incremental column; full loads stream everything.
// The select list follows the definition's order, not the configuration's:
// conversion and insertion downstream are positional over the definition, and
// matchColumns has already checked every definition column against the
// configured whitelist.
func (r *loadRun) extract(ctx context.Context, full bool, watermark time.Time) (*sqlx.Rows, error) {
	query := "SELECT " + mysqlColumnList(r.def.ColumnNames()) + " FROM " + mysqlQuote(r.cfg.TableName)
	var args []any
	if !full {
		cols := incrementalColumns(r.cfg)
		preds := make([]string, len(cols))
		for i, col := range cols {
			if !r.cfg.HasColumn(col) {
				return nil, etlerr.ForTable(etlerr.KindSchemaValidation, "load.columns", r.cfg.TableName,
					fmt.Errorf("column %q is not in the table configuration", col))
			}
			preds[i] = "(" + mysqlQuote(col) + " > ?)"
			args = append(args, watermark.UTC())
		}
		query += " WHERE " + strings.Join(preds, " OR ")
	}
	if pk := r.cfg.PrimaryKeyColumns(); len(pk) > 0 {
		query += " ORDER BY " + mysqlColumnList(pk)
	}
	return r.extraction.Query(ctx, query, args...)
}

// standard loads the whole stream inside one analytics transaction. Full
// loads truncate first and insert plainly; incremental loads upsert.
func (r *loadRun) standard(ctx context.Context, rows *sqlx.Rows, full bool) (int64, error) {
	tx, err := r.analytics.BeginTxx(ctx, nil)
	if err != nil {
		return 0, r.wrap("load.begin", err)
	}
	defer tx.Rollback()

	if full {
		if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE "+r.qualifiedTable()); err != nil {
			return 0, r.wrap("load.truncate", err)
		}
	}

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := r.readConverted(rows)
		if err != nil {
			return total, err
		}
		if batch == nil {
			break
		}
		if err := r.insertChunk(ctx, tx, batch, !full); err != nil {
			return total, err
		}
		total += int64(len(batch))
	}
	if err := tx.Commit(); err != nil {
		return total, r.wrap("load.commit", err)
	}
	return total, nil
}

// chunkedFull streams a full load through the COPY protocol, one transaction
// per chunk. The truncate rides in the first chunk's transaction.
func (r *loadRun) chunkedFull(ctx context.Context, rows *sqlx.Rows) (int64, error) {
	sqlConn, err := r.analytics.Conn(ctx)
	if err != nil {
		return 0, etlerr.ForTable(etlerr.KindConnection, "load.copy", r.cfg.TableName, err)
	}
	defer sqlConn.Close()

	ident := pgx.Identifier{string(r.schemaName), r.def.Table}
	cols := r.def.ColumnNames()

	var total int64
	err = sqlConn.Raw(func(driverConn any) error {
		sc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("analytics driver does not support COPY")
		}
		conn := sc.Conn()

		first := true
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := r.readConverted(rows)
			if err != nil {
				return err
			}
			if batch == nil && !first {
				break
			}
			tx, err := conn.Begin(ctx)
			if err != nil {
				return err
			}
			if first {
				if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+r.qualifiedTable()); err != nil {
					tx.Rollback(ctx)
					return err
				}
			}
			if len(batch) > 0 {
				n, err := tx.CopyFrom(ctx, ident, cols, pgx.CopyFromRows(batch))
				if err != nil {
					tx.Rollback(ctx)
					return err
				}
				total += n
			}
			if err := tx.Commit(ctx); err != nil {
				return err
			}
			first = false
			if len(batch) < r.batch {
				break
			}
		}
		return nil
	})
	if err != nil {
		return total, r.wrap("load.copy", err)
	}
	return total, nil
}

// chunkedIncremental upserts the stream one transaction per chunk, bounding
// the rows at risk in any single transaction.
func (r *loadRun) chunkedIncremental(ctx context.Context, rows *sqlx.Rows) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := r.readConverted(rows)
		if err != nil {
			return total, err
		}
		if batch == nil {
			return total, nil
		}

		tx, err := r.analytics.BeginTxx(ctx, nil)
		if err != nil {
			return total, r.wrap("load.begin", err)
		}
		if err := r.insertChunk(ctx, tx, batch, true); err != nil {
			tx.Rollback()
			return total, err
		}
		if err := tx.Commit(); err != nil {
			return total, r.wrap("load.commit", err)
		}
		total += int64(len(batch))
	}
}

// readConverted reads up to one batch from the stream and applies the
// per-column conversion. A nil batch means exhaustion.
func (r *loadRun) readConverted(rows *sqlx.Rows) ([][]any, error) {
	var batch [][]any
	for len(batch) < r.batch && rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, r.wrap("load.scan", err)
		}
		converted, err := r.def.ConvertRow(vals)
		if err != nil {
			return nil, err
		}
		batch = append(batch, converted)
	}
	if err := rows.Err(); err != nil {
		return nil, r.wrap("load.scan", err)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertChunk writes one batch through tx, splitting it when the parameter
// cap would be exceeded.
func (r *loadRun) insertChunk(ctx context.Context, tx execer, batch [][]any, upsert bool) error {
	cols := r.def.ColumnNames()
	perStmt := maxPGParameters / len(cols)
	if perStmt < 1 {
		perStmt = 1
	}
	for start := 0; start < len(batch); start += perStmt {
		end := start + perStmt
		if end > len(batch) {
			end = len(batch)
		}
		chunk := batch[start:end]
		var query string
		if upsert {
			query = pgUpsertSQL(r.qualifiedTable(), cols, r.def.PrimaryKey, len(chunk))
		} else {
			query = pgInsertSQL(r.qualifiedTable(), cols, len(chunk))
		}
		if _, err := tx.ExecContext(ctx, query, flatten(chunk)...); err != nil {
			return r.wrap("load.insert", err)
		}
	}
	return nil
}

func (r *loadRun) wrap(op string, err error) error {
	if etlerr.KindOf(err) != etlerr.KindUnknown {
		return err
	}
	return etlerr.ForTable(etlerr.KindDataLoading, op, r.cfg.TableName, err)
}

func pgInsertSQL(qualified string, cols []string, rowCount int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(qualified)
	b.WriteString(" (")
	b.WriteString(pgColumnList(cols))
	b.WriteString(") VALUES ")
	n := 1
	for i := 0; i < rowCount; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
}

// pgUpsertSQL builds a multi-row INSERT ... ON CONFLICT keyed on the primary
// key. Without a primary key rows simply append; a key-only table conflicts
// to DO NOTHING.
func pgUpsertSQL(qualified string, cols, primaryKey []string, rowCount int) string {
	if len(primaryKey) == 0 {
		return pgInsertSQL(qualified, cols, rowCount)
	}
	isKey := make(map[string]bool, len(primaryKey))
	for _, k := range primaryKey {
		isKey[k] = true
	}
	var assignments []string
	for _, col := range cols {
		if !isKey[col] {
			q := schema.QuoteIdent(col)
			assignments = append(assignments, q+" = EXCLUDED."+q)
		}
	}

	var b strings.Builder
	b.WriteString(pgInsertSQL(qualified, cols, rowCount))
	b.WriteString(" ON CONFLICT (")
	b.WriteString(pgColumnList(primaryKey))
	b.WriteString(")")
	if len(assignments) == 0 {
		b.WriteString(" DO NOTHING")
	} else {
		b.WriteString(" DO UPDATE SET ")
		b.WriteString(strings.Join(assignments, ", "))
	}
	return b.String()
}

func pgColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = schema.QuoteIdent(c)
	}
	return strings.Join(quoted, ", ")
}

func mysqlColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = mysqlQuote(c)
	}
	return strings.Join(quoted, ", ")
}

func mysqlQuote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func flatten(batch [][]any) []any {
	if len(batch) == 0 {
		return nil
	}
	out := make([]any, 0, len(batch)*len(batch[0]))
	for _, row := range batch {
		out = append(out, row...)
	}
	return out
}
