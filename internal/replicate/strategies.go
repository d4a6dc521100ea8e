package replicate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/etlerr"
)

// maxPlaceholders caps the bind parameters in one multi-row statement; the
// MySQL protocol limit is 65535.
const maxPlaceholders = 60000

// copyRun is the per-table state for one copy operation: one manager per
// side, the table's config, and the batch size the optimizer picked.
type copyRun struct {
	cfg    *config.TableConfig
	source *dbconn.Manager
	target *dbconn.Manager
	batch  int
	logger *zap.Logger
}

// copyResult is what a strategy reports back for status tracking.
type copyResult struct {
	rows          int64
	primaryColumn string // set only by the primary-column strategy
	lastPrimary   string
}

// full truncates the target and streams every source row across in batches.
func (r *copyRun) full(ctx context.Context) (copyResult, error) {
	table := r.cfg.TableName
	if _, err := r.target.Exec(ctx, "TRUNCATE TABLE "+mysqlQuote(table)); err != nil {
		return copyResult{}, err
	}

	query := "SELECT " + columnList(r.cfg.ColumnNames()) + " FROM " + mysqlQuote(table) +
		orderByClause(r.cfg.PrimaryKeyColumns())
	rows, err := r.source.Query(ctx, query)
	if err != nil {
		return copyResult{}, err
	}
	defer rows.Close()

	total, err := r.writeStream(ctx, rows, false)
	return copyResult{rows: total}, err
}

// primaryIncremental copies rows past the target-side watermark of one
// ordered column, paginating by key range rather than offset. The watermark
// is read from the target table itself so out-of-band edits are tolerated.
func (r *copyRun) primaryIncremental(ctx context.Context, col string) (copyResult, error) {
	if err := r.requireColumn(col); err != nil {
		return copyResult{}, err
	}
	table := r.cfg.TableName

	watermark, err := r.maxValue(ctx, r.target, col)
	if err != nil {
		return copyResult{}, err
	}
	if watermark == nil {
		// Empty target: the incremental strategy degenerates to a full copy.
		res, err := r.full(ctx)
		if err != nil {
			return res, err
		}
		max, err := r.maxValue(ctx, r.target, col)
		if err != nil {
			return res, err
		}
		res.primaryColumn = col
		res.lastPrimary = formatValue(max)
		return res, nil
	}

	var pending int64
	err = r.source.Get(ctx, &pending,
		"SELECT COUNT(*) FROM "+mysqlQuote(table)+" WHERE "+mysqlQuote(col)+" > ?", watermark)
	if err != nil {
		return copyResult{}, err
	}
	r.logger.Debug("incremental copy pending",
		zap.String("table", table),
		zap.String("column", col),
		zap.Int64("new_rows", pending))

	cols := r.cfg.ColumnNames()
	colIdx := -1
	for i, name := range cols {
		if name == col {
			colIdx = i
		}
	}

	useUpsert := len(r.cfg.PrimaryKeyColumns()) > 0
	lastSeen := watermark
	var total int64
	for {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s > ? ORDER BY %s LIMIT %d",
			columnList(cols), mysqlQuote(table), mysqlQuote(col), mysqlQuote(col), r.batch)
		batch, err := r.readPage(ctx, query, lastSeen)
		if err != nil {
			return copyResult{rows: total}, err
		}
		if len(batch) == 0 {
			break
		}
		if err := r.writeBatch(ctx, batch, useUpsert); err != nil {
			return copyResult{rows: total}, err
		}
		lastSeen = batch[len(batch)-1][colIdx]
		total += int64(len(batch))
		if len(batch) < r.batch {
			break
		}
	}

	res := copyResult{rows: total, primaryColumn: col, lastPrimary: formatValue(lastSeen)}
	return res, nil
}

// multiIncremental copies rows newer than the greatest target-side watermark
// across several candidate columns, using an OR predicate. There is no single
// ordering key, so rows stream in primary-key order and land as upserts.
func (r *copyRun) multiIncremental(ctx context.Context, cols []string) (copyResult, error) {
	for _, col := range cols {
		if err := r.requireColumn(col); err != nil {
			return copyResult{}, err
		}
	}
	table := r.cfg.TableName

	var watermark any
	for _, col := range cols {
		max, err := r.maxValue(ctx, r.target, col)
		if err != nil {
			return copyResult{}, err
		}
		watermark = greaterValue(watermark, max)
	}
	if watermark == nil {
		return r.full(ctx)
	}

	preds := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		preds[i] = "(" + mysqlQuote(col) + " > ?)"
		args[i] = watermark
	}
	predicate := strings.Join(preds, " OR ")

	var pending int64
	err := r.source.Get(ctx, &pending,
		"SELECT COUNT(*) FROM "+mysqlQuote(table)+" WHERE "+predicate, args...)
	if err != nil {
		return copyResult{}, err
	}
	r.logger.Debug("multi-column incremental copy pending",
		zap.String("table", table),
		zap.Strings("columns", cols),
		zap.String("watermark", formatValue(watermark)),
		zap.Int64("new_rows", pending))

	query := "SELECT " + columnList(r.cfg.ColumnNames()) + " FROM " + mysqlQuote(table) +
		" WHERE " + predicate + orderByClause(r.cfg.PrimaryKeyColumns())
	rows, err := r.source.Query(ctx, query, args...)
	if err != nil {
		return copyResult{}, err
	}
	defer rows.Close()

	total, err := r.writeStream(ctx, rows, true)
	return copyResult{rows: total}, err
}

// writeStream consumes a row stream in batches, writing each batch before
// reading the next. The stream is finite and never restarted.
func (r *copyRun) writeStream(ctx context.Context, rows *sqlx.Rows, upsert bool) (int64, error) {
	reader := &batchReader{rows: rows, size: r.batch}
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		batch, err := reader.Next()
		if err != nil {
			return total, err
		}
		if batch == nil {
			return total, nil
		}
		if err := r.writeBatch(ctx, batch, upsert); err != nil {
			return total, err
		}
		total += int64(len(batch))
	}
}

// writeBatch inserts one batch, splitting it when the placeholder cap would
// be exceeded.
func (r *copyRun) writeBatch(ctx context.Context, batch [][]any, upsert bool) error {
	cols := r.cfg.ColumnNames()
	perStmt := maxPlaceholders / len(cols)
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
			query = upsertSQL(r.cfg.TableName, cols, r.cfg.PrimaryKeyColumns(), len(chunk))
		} else {
			query = insertSQL(r.cfg.TableName, cols, len(chunk))
		}
		if _, err := r.target.Exec(ctx, query, flatten(chunk)...); err != nil {
			return err
		}
	}
	return nil
}

// readPage runs one bounded query and drains it, releasing the source
// manager's connection for the next page.
func (r *copyRun) readPage(ctx context.Context, query string, args ...any) ([][]any, error) {
	rows, err := r.source.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page [][]any
	for rows.Next() {
		vals, err := rows.SliceScan()
		if err != nil {
			return nil, err
		}
		page = append(page, vals)
	}
	return page, rows.Err()
}

// maxValue reads MAX(col) from this table on the given side. The raw driver
// value comes back untyped so it can be re-bound as a comparison argument
// without a lossy string round trip.
func (r *copyRun) maxValue(ctx context.Context, m *dbconn.Manager, col string) (any, error) {
	rows, err := m.Query(ctx, "SELECT MAX("+mysqlQuote(col)+") FROM "+mysqlQuote(r.cfg.TableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	vals, err := rows.SliceScan()
	if err != nil {
		return nil, err
	}
	return vals[0], nil
}

// requireColumn enforces the identifier whitelist: only columns listed in the
// table's configuration may be interpolated into SQL.
func (r *copyRun) requireColumn(col string) error {
	if r.cfg.HasColumn(col) {
		return nil
	}
	return etlerr.ForTable(etlerr.KindSchemaValidation, "replicate.columns", r.cfg.TableName,
		fmt.Errorf("column %q is not in the table configuration", col))
}

// batchReader yields successive batches from a finite row stream; a nil
// batch means exhaustion. There is no random access and no restart.
type batchReader struct {
	rows *sqlx.Rows
	size int
}

func (b *batchReader) Next() ([][]any, error) {
	var batch [][]any
	for len(batch) < b.size && b.rows.Next() {
		vals, err := b.rows.SliceScan()
		if err != nil {
			return nil, err
		}
		batch = append(batch, vals)
	}
	if err := b.rows.Err(); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	return batch, nil
}

func insertSQL(table string, cols []string, rowCount int) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mysqlQuote(table))
	b.WriteString(" (")
	b.WriteString(columnList(cols))
	b.WriteString(") VALUES ")
	writePlaceholders(&b, len(cols), rowCount)
	return b.String()
}

// upsertSQL builds a multi-row INSERT ... ON DUPLICATE KEY UPDATE updating
// every non-key column. With no primary key configured it degrades to a
// plain INSERT.
func upsertSQL(table string, cols, primaryKey []string, rowCount int) string {
	if len(primaryKey) == 0 {
		return insertSQL(table, cols, rowCount)
	}
	isKey := make(map[string]bool, len(primaryKey))
	for _, k := range primaryKey {
		isKey[k] = true
	}

	var assignments []string
	for _, col := range cols {
		if !isKey[col] {
			assignments = append(assignments, mysqlQuote(col)+" = VALUES("+mysqlQuote(col)+")")
		}
	}
	if len(assignments) == 0 {
		// Key-only table: the update clause must assign something.
		k := mysqlQuote(primaryKey[0])
		assignments = []string{k + " = VALUES(" + k + ")"}
	}

	var b strings.Builder
	b.WriteString(insertSQL(table, cols, rowCount))
	b.WriteString(" ON DUPLICATE KEY UPDATE ")
	b.WriteString(strings.Join(assignments, ", "))
	return b.String()
}

func writePlaceholders(b *strings.Builder, colCount, rowCount int) {
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", colCount), ", ") + ")"
	for i := 0; i < rowCount; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(row)
	}
}

func columnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = mysqlQuote(c)
	}
	return strings.Join(quoted, ", ")
}

func orderByClause(primaryKey []string) string {
	if len(primaryKey) == 0 {
		return ""
	}
	return " ORDER BY " + columnList(primaryKey)
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

func mysqlQuote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

// formatValue renders a watermark value for the tracking table.
func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.UTC().Format("2006-01-02 15:04:05")
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// greaterValue picks the greater of two driver values, preferring non-NULL.
func greaterValue(a, b any) any {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	at, aok := a.(time.Time)
	bt, bok := b.(time.Time)
	if aok && bok {
		if bt.After(at) {
			return b
		}
		return a
	}
	ai, aok := a.(int64)
	bi, bok := b.(int64)
	if aok && bok {
		if bi > ai {
			return b
		}
		return a
	}
	if formatValue(b) > formatValue(a) {
		return b
	}
	return a
}
