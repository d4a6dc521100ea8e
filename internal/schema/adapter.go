package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/ddl"
	"github.com/odxtools/odetl/internal/etlerr"
)

// DB is the database surface the adapter needs; *dbconn.Manager satisfies it.
type DB interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	Get(ctx context.Context, dest any, query string, args ...any) error
	Select(ctx context.Context, dest any, query string, args ...any) error
}

// ColumnDef is one translated column.
type ColumnDef struct {
	Name   string
	PGType string
}

// Definition is the PostgreSQL shape of one MySQL table.
type Definition struct {
	Table      string
	Columns    []ColumnDef
	PrimaryKey []string
}

// ColumnNames returns the ordered column list.
func (d *Definition) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Adapter translates MySQL table definitions into the analytics warehouse
// and owns the analytics-side DDL: schema creation and initial CREATE TABLE.
// Existing tables are never altered; drift handling is a separate concern.
type Adapter struct {
	analytics DB
	sampler   DB // source MySQL for TINYINT(1) inference; nil disables it
	schema    config.AnalyticsSchema
	logger    *zap.Logger
}

// Option adjusts an Adapter.
type Option func(*Adapter)

// WithSampler supplies a source-MySQL connection for TINYINT(1) boolean
// inference. Without it every TINYINT(1) maps to smallint.
func WithSampler(db DB) Option {
	return func(a *Adapter) { a.sampler = db }
}

// WithSchema overrides the target analytics schema (default raw).
func WithSchema(schema config.AnalyticsSchema) Option {
	return func(a *Adapter) {
		if schema != "" {
			a.schema = schema
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter builds an adapter writing into the given analytics database.
func NewAdapter(analytics DB, opts ...Option) *Adapter {
	a := &Adapter{
		analytics: analytics,
		schema:    config.SchemaRaw,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Schema returns the adapter's target schema.
func (a *Adapter) Schema() config.AnalyticsSchema { return a.schema }

// Translate parses a MySQL CREATE TABLE and maps every column to its
// PostgreSQL type, sampling TINYINT(1) columns for boolean inference when a
// sampler connection is available.
func (a *Adapter) Translate(ctx context.Context, table, mysqlDDL string) (*Definition, error) {
	parsed, err := ddl.Parse(mysqlDDL)
	if err != nil {
		return nil, err
	}

	def := &Definition{Table: table, PrimaryKey: parsed.PrimaryKey}
	for _, col := range parsed.Columns {
		var pgType string
		if IsTinyInt1(col.RawType) {
			pgType = a.inferBoolean(ctx, table, col.Name)
		} else {
			var known bool
			pgType, known = TranslateType(col.RawType)
			if !known {
				a.logger.Warn("unknown MySQL type, falling back to text",
					zap.String("table", table),
					zap.String("column", col.Name),
					zap.String("mysql_type", col.RawType))
			}
		}
		def.Columns = append(def.Columns, ColumnDef{Name: col.Name, PGType: pgType})
	}
	return def, nil
}

// inferBoolean samples a TINYINT(1) column on the source. Only values in
// {0, 1, NULL} make it a boolean; anything else, or a failed sample, keeps
// the conservative smallint.
func (a *Adapter) inferBoolean(ctx context.Context, table, column string) string {
	if a.sampler == nil {
		return "smallint"
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s NOT IN (0,1) AND %s IS NOT NULL",
		mysqlQuote(table), mysqlQuote(column), mysqlQuote(column))

	var nonBoolean int64
	if err := a.sampler.Get(ctx, &nonBoolean, query); err != nil {
		a.logger.Warn("boolean inference sampling failed, keeping smallint",
			zap.String("table", table),
			zap.String("column", column),
			zap.Error(err))
		return "smallint"
	}
	if nonBoolean == 0 {
		return "boolean"
	}
	return "smallint"
}

// CreateTableSQL emits the PostgreSQL CREATE TABLE for a translated
// definition, with every identifier quoted.
func (a *Adapter) CreateTableSQL(def *Definition) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s.%s (", QuoteIdent(string(a.schema)), QuoteIdent(def.Table))
	for i, col := range def.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdent(col.Name))
		b.WriteByte(' ')
		b.WriteString(col.PGType)
	}
	if len(def.PrimaryKey) > 0 {
		b.WriteString(", PRIMARY KEY (")
		for i, key := range def.PrimaryKey {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(QuoteIdent(key))
		}
		b.WriteByte(')')
	}
	b.WriteString(")")
	return b.String()
}

// EnsureTableExists creates the analytics schema if needed and the target
// table if absent. An existing table is left untouched.
func (a *Adapter) EnsureTableExists(ctx context.Context, table, mysqlDDL string) error {
	if _, err := a.analytics.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+QuoteIdent(string(a.schema))); err != nil {
		return etlerr.ForTable(etlerr.KindSchemaValidation, "schema.ensure", table,
			fmt.Errorf("creating schema %s: %w", a.schema, err))
	}

	exists, err := a.tableExists(ctx, table)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	def, err := a.Translate(ctx, table, mysqlDDL)
	if err != nil {
		return err
	}
	if _, err := a.analytics.Exec(ctx, a.CreateTableSQL(def)); err != nil {
		return etlerr.ForTable(etlerr.KindSchemaValidation, "schema.ensure", table,
			fmt.Errorf("creating table: %w", err))
	}
	a.logger.Info("analytics table created",
		zap.String("table", table),
		zap.String("schema", string(a.schema)),
		zap.Int("columns", len(def.Columns)))
	return nil
}

func (a *Adapter) tableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := a.analytics.Get(ctx, &count,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2",
		string(a.schema), table)
	if err != nil {
		return false, etlerr.ForTable(etlerr.KindQuery, "schema.exists", table, err)
	}
	return count > 0, nil
}

// introspectedColumn is one row of information_schema.columns.
type introspectedColumn struct {
	Name     string `db:"column_name"`
	DataType string `db:"data_type"`
}

// VerifySchema compares the analytics table against the expected translation
// of the MySQL DDL: same column set, each column of the translated base type.
// TINYINT(1) columns accept either boolean or smallint, since inference
// depends on data seen at creation time.
func (a *Adapter) VerifySchema(ctx context.Context, table, mysqlDDL string) (bool, error) {
	parsed, err := ddl.Parse(mysqlDDL)
	if err != nil {
		return false, err
	}

	var actual []introspectedColumn
	err = a.analytics.Select(ctx, &actual,
		"SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2",
		string(a.schema), table)
	if err != nil {
		return false, etlerr.ForTable(etlerr.KindQuery, "schema.verify", table, err)
	}

	actualTypes := make(map[string]string, len(actual))
	for _, col := range actual {
		actualTypes[col.Name] = normalizePGType(col.DataType)
	}
	if len(actualTypes) != len(parsed.Columns) {
		return false, nil
	}

	for _, col := range parsed.Columns {
		got, ok := actualTypes[col.Name]
		if !ok {
			return false, nil
		}
		if IsTinyInt1(col.RawType) {
			if got != "boolean" && got != "smallint" {
				return false, nil
			}
			continue
		}
		expected, _ := TranslateType(col.RawType)
		if baseType(expected) != got {
			return false, nil
		}
	}
	return true, nil
}

// baseType strips the argument list from a translated type.
func baseType(pgType string) string {
	if i := strings.IndexByte(pgType, '('); i >= 0 {
		return strings.TrimSpace(pgType[:i])
	}
	return pgType
}

// normalizePGType folds information_schema spellings onto the translation
// table's vocabulary.
func normalizePGType(dataType string) string {
	switch dataType {
	case "timestamp without time zone", "timestamp with time zone":
		return "timestamp"
	case "time without time zone", "time with time zone":
		return "time"
	default:
		return dataType
	}
}

// QuoteIdent quotes a PostgreSQL identifier.
func QuoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func mysqlQuote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}
