package dbconn

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/etlerr"
	"github.com/odxtools/odetl/internal/settings"
)

// Factory opens pooled database handles from resolved settings.
type Factory struct {
	settings *settings.Settings
	logger   *zap.Logger
}

// NewFactory builds a connection factory. A nil logger is replaced with a
// no-op one.
func NewFactory(s *settings.Settings, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{settings: s, logger: logger}
}

// Source opens a pooled handle to the source MySQL database.
func (f *Factory) Source(ctx context.Context) (*sqlx.DB, error) {
	return f.mysql(ctx, config.Source)
}

// Replication opens a pooled handle to the replication MySQL database.
func (f *Factory) Replication(ctx context.Context) (*sqlx.DB, error) {
	return f.mysql(ctx, config.Replication)
}

// Analytics opens a pooled handle to the analytics PostgreSQL database bound
// to the given schema via search_path.
func (f *Factory) Analytics(ctx context.Context, schema config.AnalyticsSchema) (*sqlx.DB, error) {
	params, err := f.settings.DatabaseConfig(config.Analytics, schema)
	if err != nil {
		return nil, err
	}
	pool := f.settings.Pipeline().Pool(config.Analytics)

	db, err := sqlx.Open("pgx", postgresDSN(params, pool))
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConnection, "dbconn.analytics", "opening analytics handle: %w", err)
	}
	return f.verify(ctx, db, config.Analytics, pool)
}

// AnalyticsRaw opens the analytics handle on the raw schema.
func (f *Factory) AnalyticsRaw(ctx context.Context) (*sqlx.DB, error) {
	return f.Analytics(ctx, config.SchemaRaw)
}

// AnalyticsStaging opens the analytics handle on the staging schema.
func (f *Factory) AnalyticsStaging(ctx context.Context) (*sqlx.DB, error) {
	return f.Analytics(ctx, config.SchemaStaging)
}

// AnalyticsIntermediate opens the analytics handle on the intermediate schema.
func (f *Factory) AnalyticsIntermediate(ctx context.Context) (*sqlx.DB, error) {
	return f.Analytics(ctx, config.SchemaIntermediate)
}

// AnalyticsMarts opens the analytics handle on the marts schema.
func (f *Factory) AnalyticsMarts(ctx context.Context) (*sqlx.DB, error) {
	return f.Analytics(ctx, config.SchemaMarts)
}

func (f *Factory) mysql(ctx context.Context, dbType config.DatabaseType) (*sqlx.DB, error) {
	params, err := f.settings.DatabaseConfig(dbType)
	if err != nil {
		return nil, err
	}
	pool := f.settings.Pipeline().Pool(dbType)

	mc := mysqldriver.NewConfig()
	mc.User = params.User
	mc.Passwd = params.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(params.Host, strconv.Itoa(params.Port))
	mc.DBName = params.Database
	mc.ParseTime = true
	mc.Timeout = pool.ConnectTimeout()
	mc.ReadTimeout = time.Duration(pool.ReadTimeoutSeconds) * time.Second
	mc.WriteTimeout = time.Duration(pool.WriteTimeoutSeconds) * time.Second

	db, err := sqlx.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, etlerr.Newf(etlerr.KindConnection, "dbconn.mysql", "opening %s handle: %w", dbType, err)
	}
	return f.verify(ctx, db, dbType, pool)
}

// verify sizes the pool and confirms the database is reachable.
func (f *Factory) verify(ctx context.Context, db *sqlx.DB, dbType config.DatabaseType, pool config.PoolConfig) (*sqlx.DB, error) {
	db.SetMaxOpenConns(pool.PoolSize)
	db.SetMaxIdleConns(pool.PoolSize/3 + 1)
	db.SetConnMaxLifetime(pool.PoolRecycle())

	pingCtx, cancel := context.WithTimeout(ctx, pool.PoolTimeout())
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, etlerr.Newf(etlerr.KindConnection, "dbconn.verify", "pinging %s database: %w", dbType, err)
	}

	f.logger.Debug("database handle opened",
		zap.Stringer("database", dbType),
		zap.Int("pool_size", pool.PoolSize))
	return db, nil
}

// postgresDSN builds a keyword/value DSN for pgx. The schema rides in as
// search_path so every unqualified statement lands in the right place.
func postgresDSN(params *settings.ConnectionParams, pool config.PoolConfig) string {
	parts := []string{
		"host=" + quoteDSNValue(params.Host),
		"port=" + strconv.Itoa(params.Port),
		"dbname=" + quoteDSNValue(params.Database),
		"user=" + quoteDSNValue(params.User),
		"password=" + quoteDSNValue(params.Password),
		"search_path=" + quoteDSNValue(string(params.Schema)),
		"application_name=odetl",
		"connect_timeout=" + strconv.Itoa(pool.ConnectTimeoutSeconds),
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a keyword/value DSN value when it needs it.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}
