// Package load moves configured tables from the replication MySQL database
// into the PostgreSQL analytics warehouse, translating schemas on the way and
// recording each outcome in the etl_load_status tracking table.
package load

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/etlerr"
	"github.com/odxtools/odetl/internal/optimizer"
	"github.com/odxtools/odetl/internal/schema"
	"github.com/odxtools/odetl/internal/settings"
	"github.com/odxtools/odetl/internal/telemetry"
)

// Loader drives per-table loads from replication to analytics. It is safe for
// concurrent use; each worker gets its own connection managers.
type Loader struct {
	settings    *settings.Settings
	source      *sqlx.DB // optional, used only for TINYINT(1) boolean inference
	replication *sqlx.DB
	analytics   *sqlx.DB
	schemaName  config.AnalyticsSchema
	opt         *optimizer.Optimizer
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	mgrOpts     []dbconn.ManagerOption
}

// Option adjusts a Loader.
type Option func(*Loader)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithOptimizer overrides the default optimizer.
func WithOptimizer(opt *optimizer.Optimizer) Option {
	return func(l *Loader) {
		if opt != nil {
			l.opt = opt
		}
	}
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Loader) { l.metrics = m }
}

// WithSchema overrides the target analytics schema (default raw).
func WithSchema(s config.AnalyticsSchema) Option {
	return func(l *Loader) {
		if s != "" {
			l.schemaName = s
		}
	}
}

// WithManagerOptions forwards options to every connection manager the loader
// creates.
func WithManagerOptions(opts ...dbconn.ManagerOption) Option {
	return func(l *Loader) { l.mgrOpts = opts }
}

// New builds a loader over pooled handles. source may be nil; it is consulted
// only when translating TINYINT(1) columns.
func New(s *settings.Settings, source, replication, analytics *sqlx.DB, opts ...Option) *Loader {
	l := &Loader{
		settings:    s,
		source:      source,
		replication: replication,
		analytics:   analytics,
		schemaName:  config.SchemaRaw,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.opt == nil {
		l.opt = optimizer.New(l.logger)
	}
	return l
}

// LoadTable loads one table with the strategy its configuration selects. The
// bool reports per-table success; a non-nil error is fatal and aborts the run.
func (l *Loader) LoadTable(ctx context.Context, name string, force bool) (bool, error) {
	return l.loadTable(ctx, name, force, false, 0)
}

// LoadTableChunked loads one table with the chunked strategy regardless of
// its category. chunkSize <= 0 falls back to the adaptive batch size.
func (l *Loader) LoadTableChunked(ctx context.Context, name string, force bool, chunkSize int) (bool, error) {
	return l.loadTable(ctx, name, force, true, chunkSize)
}

func (l *Loader) loadTable(ctx context.Context, name string, force, chunked bool, chunkSize int) (bool, error) {
	cfg, ok := l.settings.TableConfig(name)
	if !ok {
		l.logger.Warn("table not in configuration, skipping", zap.String("table", name))
		return false, nil
	}

	extraction := dbconn.NewManager(l.replication, config.Replication, l.managerOpts()...)
	defer extraction.Close()
	analytics := dbconn.NewManager(l.analytics, config.Analytics, l.managerOpts()...)
	defer analytics.Close()

	adapterOpts := []schema.Option{schema.WithSchema(l.schemaName), schema.WithLogger(l.logger)}
	var sampler *dbconn.Manager
	if l.source != nil {
		sampler = dbconn.NewManager(l.source, config.Source, l.managerOpts()...)
		defer sampler.Close()
		adapterOpts = append(adapterOpts, schema.WithSampler(sampler))
	}
	adapter := schema.NewAdapter(analytics, adapterOpts...)

	if err := ensureStatusTable(ctx, analytics, l.schemaName); err != nil {
		if etlerr.IsFatal(err) {
			return false, err
		}
		return false, etlerr.ForTable(etlerr.KindConfiguration, "load.status", name, err)
	}
	l.warnOnSchemaDrift(cfg)

	mysqlDDL, err := showCreateTable(ctx, extraction, name)
	if err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}
	def, err := adapter.Translate(ctx, name, mysqlDDL)
	if err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}
	if err := matchColumns(cfg, def); err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}
	if err := adapter.EnsureTableExists(ctx, name, mysqlDDL); err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}

	prior, err := readStatus(ctx, analytics, l.schemaName, name)
	if err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}

	start := time.Now()
	running := &LoadStatus{TableName: name, LastLoaded: start, LoadStatus: StatusRunning}
	if err := upsertStatus(ctx, analytics, l.schemaName, running); err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}

	var watermark time.Time
	haveWatermark := prior != nil && prior.LoadStatus == StatusSuccess
	if haveWatermark {
		watermark = prior.LastLoaded
	}
	full := force || !haveWatermark || len(incrementalColumns(cfg)) == 0

	strat := selectStrategy(cfg)
	batch := l.opt.AdaptiveBatchSize(cfg)
	if chunked {
		strat = strategyChunked
		if chunkSize > 0 {
			batch = config.ClampBatchSize(chunkSize)
		}
	}

	run := &loadRun{
		cfg:        cfg,
		def:        def,
		extraction: extraction,
		analytics:  l.analytics,
		schemaName: l.schemaName,
		batch:      batch,
		logger:     l.logger,
	}

	rows, err := run.extract(ctx, full, watermark)
	if err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}
	defer rows.Close()

	var total int64
	switch {
	case strat == strategyChunked && full:
		total, err = run.chunkedFull(ctx, rows)
	case strat == strategyChunked:
		total, err = run.chunkedIncremental(ctx, rows)
	default:
		total, err = run.standard(ctx, rows, full)
	}
	elapsed := time.Since(start)

	if err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}

	final := &LoadStatus{
		TableName:  name,
		LastLoaded: time.Now().UTC(),
		RowsLoaded: total,
		LoadStatus: StatusSuccess,
	}
	if err := upsertStatus(ctx, analytics, l.schemaName, final); err != nil {
		return l.fail(ctx, analytics, cfg, err)
	}

	l.opt.Observe(cfg, total, elapsed)
	l.metrics.RecordLoad(ctx, name, total, elapsed)
	l.logger.Info("table loaded",
		zap.String("table", name),
		zap.String("strategy", strat.String()),
		zap.Bool("full", full),
		zap.Int64("rows", total),
		zap.Duration("duration", elapsed))
	return true, nil
}

// fail records a failed load and translates the error into the per-table
// false unless it is fatal to the whole run.
func (l *Loader) fail(ctx context.Context, analytics *dbconn.Manager, cfg *config.TableConfig, err error) (bool, error) {
	if etlerr.IsFatal(err) {
		return false, err
	}

	failed := &LoadStatus{
		TableName:  cfg.TableName,
		LastLoaded: time.Now().UTC(),
		LoadStatus: StatusFailed,
	}
	if statusErr := upsertStatus(ctx, analytics, l.schemaName, failed); statusErr != nil {
		l.logger.Error("could not record failed load",
			zap.String("table", cfg.TableName),
			zap.Error(statusErr))
	}

	l.metrics.RecordFailure(ctx, cfg.TableName, "load")
	l.logger.Error("table load failed",
		zap.String("table", cfg.TableName),
		zap.String("kind", etlerr.KindOf(err).String()),
		zap.Bool("alert", cfg.Monitoring.AlertOnFailure),
		zap.Error(err))
	return false, nil
}

func (l *Loader) warnOnSchemaDrift(cfg *config.TableConfig) {
	meta := l.settings.Metadata()
	if meta.SchemaHash != "" && cfg.SchemaHash != "" && meta.SchemaHash != cfg.SchemaHash {
		l.logger.Warn("table schema hash disagrees with analysis snapshot",
			zap.String("table", cfg.TableName),
			zap.String("table_hash", cfg.SchemaHash),
			zap.String("analysis_hash", meta.SchemaHash))
	}
}

// VerifyLoad compares replication and analytics row counts for one table.
// The check is advisory; incremental tables can legitimately drift between
// runs.
func (l *Loader) VerifyLoad(ctx context.Context, name string) (bool, error) {
	cfg, ok := l.settings.TableConfig(name)
	if !ok {
		return false, etlerr.Newf(etlerr.KindConfiguration, "load.verify",
			"table %q is not configured", name)
	}

	extraction := dbconn.NewManager(l.replication, config.Replication, l.managerOpts()...)
	defer extraction.Close()
	analytics := dbconn.NewManager(l.analytics, config.Analytics, l.managerOpts()...)
	defer analytics.Close()

	var sourceCount int64
	if err := extraction.Get(ctx, &sourceCount,
		"SELECT COUNT(*) FROM "+mysqlQuote(cfg.TableName)); err != nil {
		return false, err
	}
	var targetCount int64
	if err := analytics.Get(ctx, &targetCount,
		"SELECT COUNT(*) FROM "+schema.QuoteIdent(string(l.schemaName))+"."+schema.QuoteIdent(cfg.TableName)); err != nil {
		return false, err
	}

	if sourceCount != targetCount {
		l.logger.Warn("row counts disagree",
			zap.String("table", name),
			zap.Int64("replication", sourceCount),
			zap.Int64("analytics", targetCount))
		return false, nil
	}
	return true, nil
}

// LoadTables loads the named tables in parallel. Nil or empty names selects
// every configured table; an unknown name yields false in the result map.
func (l *Loader) LoadTables(ctx context.Context, names []string, workers int, force bool) (map[string]bool, error) {
	if len(names) == 0 {
		return l.Load(ctx, settings.Filter{}, workers, force)
	}
	seen := make(map[string]bool, len(names))
	unique := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}
	return l.runParallel(ctx, unique, workers, force)
}

// Load runs the selected tables in parallel and returns per-table success.
func (l *Loader) Load(ctx context.Context, f settings.Filter, workers int, force bool) (map[string]bool, error) {
	cfgs := l.settings.Select(f)
	names := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		names[i] = cfg.TableName
	}
	return l.runParallel(ctx, names, workers, force)
}

// runParallel fans tables out over a bounded worker pool. A table failure
// never cancels its siblings; only fatal errors stop the group.
func (l *Loader) runParallel(ctx context.Context, names []string, workers int, force bool) (map[string]bool, error) {
	if workers <= 0 {
		workers = l.settings.Pipeline().General.ParallelJobs
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	results := make(map[string]bool, len(names))

	for _, name := range names {
		g.Go(func() error {
			ok, err := l.LoadTable(gctx, name, force)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
			return err // non-nil only for fatal errors
		})
	}
	return results, g.Wait()
}

func (l *Loader) managerOpts() []dbconn.ManagerOption {
	opts := []dbconn.ManagerOption{dbconn.WithLogger(l.logger)}
	if eh := l.settings.Pipeline().ErrorHandling; eh.MaxRetries > 0 {
		opts = append(opts, dbconn.WithRetryPolicy(eh.MaxRetries, eh.RetryDelay()))
	}
	return append(opts, l.mgrOpts...)
}

// matchColumns checks that the configured columns and the live table agree as
// a set. The whole load path is positional over the definition's order, so a
// column present on one side only must stop the load before any row moves.
func matchColumns(cfg *config.TableConfig, def *schema.Definition) error {
	for _, col := range def.ColumnNames() {
		if !cfg.HasColumn(col) {
			return etlerr.ForTable(etlerr.KindSchemaValidation, "load.columns", cfg.TableName,
				fmt.Errorf("column %q exists in the table but not in its configuration", col))
		}
	}
	if len(cfg.Columns) != len(def.Columns) {
		return etlerr.ForTable(etlerr.KindSchemaValidation, "load.columns", cfg.TableName,
			fmt.Errorf("configuration lists %d columns, table has %d", len(cfg.Columns), len(def.Columns)))
	}
	return nil
}

// showCreateTable fetches the current MySQL DDL for a table.
func showCreateTable(ctx context.Context, m *dbconn.Manager, table string) (string, error) {
	rows, err := m.Query(ctx, "SHOW CREATE TABLE "+mysqlQuote(table))
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return "", err
		}
		return "", etlerr.ForTable(etlerr.KindSchemaValidation, "load.ddl", table,
			fmt.Errorf("SHOW CREATE TABLE returned no rows"))
	}
	vals, err := rows.SliceScan()
	if err != nil {
		return "", err
	}
	if len(vals) < 2 {
		return "", etlerr.ForTable(etlerr.KindSchemaValidation, "load.ddl", table,
			fmt.Errorf("unexpected SHOW CREATE TABLE shape"))
	}
	switch ddl := vals[1].(type) {
	case string:
		return ddl, nil
	case []byte:
		return string(ddl), nil
	default:
		return fmt.Sprint(ddl), nil
	}
}
