// Package replicate copies configured tables from the source MySQL database
// into the replication MySQL database, table by table, recording each
// outcome in the etl_copy_status tracking table.
package replicate

import (
	"context"
	"database/sql"
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
	"github.com/odxtools/odetl/internal/settings"
	"github.com/odxtools/odetl/internal/telemetry"
)

// Replicator drives per-table copies from source to replication. It is safe
// for concurrent use; each worker gets its own connection managers.
type Replicator struct {
	settings    *settings.Settings
	source      *sqlx.DB
	replication *sqlx.DB
	opt         *optimizer.Optimizer
	metrics     *telemetry.Metrics
	logger      *zap.Logger
	mgrOpts     []dbconn.ManagerOption
}

// Option adjusts a Replicator.
type Option func(*Replicator)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOptimizer overrides the default optimizer.
func WithOptimizer(opt *optimizer.Optimizer) Option {
	return func(r *Replicator) {
		if opt != nil {
			r.opt = opt
		}
	}
}

// WithMetrics attaches telemetry instruments.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Replicator) { r.metrics = m }
}

// WithManagerOptions forwards options to every connection manager the
// replicator creates.
func WithManagerOptions(opts ...dbconn.ManagerOption) Option {
	return func(r *Replicator) { r.mgrOpts = opts }
}

// New builds a replicator over pooled handles to the source and replication
// databases.
func New(s *settings.Settings, source, replication *sqlx.DB, opts ...Option) *Replicator {
	r := &Replicator{
		settings:    s,
		source:      source,
		replication: replication,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.opt == nil {
		r.opt = optimizer.New(r.logger)
	}
	return r
}

// CopyTable copies one table. The bool reports per-table success; a non-nil
// error is fatal (environment or configuration) and aborts the run.
func (r *Replicator) CopyTable(ctx context.Context, name string, force bool) (bool, error) {
	cfg, ok := r.settings.TableConfig(name)
	if !ok {
		r.logger.Warn("table not in configuration, skipping", zap.String("table", name))
		return false, nil
	}

	source := dbconn.NewManager(r.source, config.Source, r.managerOpts()...)
	defer source.Close()
	target := dbconn.NewManager(r.replication, config.Replication, r.managerOpts()...)
	defer target.Close()

	if err := ensureStatusTable(ctx, target); err != nil {
		if etlerr.IsFatal(err) {
			return false, err
		}
		return false, etlerr.ForTable(etlerr.KindConfiguration, "replicate.copy", name, err)
	}
	r.warnOnSchemaDrift(cfg)

	prior, err := readStatus(ctx, target, name)
	if err != nil {
		return r.fail(ctx, target, cfg, nil, err)
	}

	start := time.Now()
	running := &CopyStatus{TableName: name, LastCopied: start, CopyStatus: StatusRunning}
	if prior != nil {
		running.LastPrimaryValue = prior.LastPrimaryValue
		running.PrimaryColumnName = prior.PrimaryColumnName
	}
	if err := upsertStatus(ctx, target, running); err != nil {
		return r.fail(ctx, target, cfg, nil, err)
	}

	if len(cfg.Columns) == 0 {
		return r.fail(ctx, target, cfg, nil,
			etlerr.ForTable(etlerr.KindSchemaValidation, "replicate.copy", name,
				fmt.Errorf("table configuration has no column list")))
	}

	run := &copyRun{
		cfg:    cfg,
		source: source,
		target: target,
		batch:  r.opt.AdaptiveBatchSize(cfg),
		logger: r.logger,
	}

	var lastCopied *time.Time
	if prior != nil && prior.CopyStatus == StatusSuccess {
		t := prior.LastCopied
		lastCopied = &t
	}

	primaryCol, hasPrimary := cfg.PrimaryColumn()
	var (
		res      copyResult
		strategy string
	)
	switch {
	case force || r.opt.ShouldFullRefresh(cfg, lastCopied):
		strategy = "full"
		res, err = run.full(ctx)
	case hasPrimary:
		strategy = "incremental"
		res, err = run.primaryIncremental(ctx, primaryCol)
	case len(cfg.IncrementalColumns) > 0:
		strategy = "incremental_multi"
		res, err = run.multiIncremental(ctx, cfg.IncrementalColumns)
	default:
		strategy = "full"
		res, err = run.full(ctx)
	}
	elapsed := time.Since(start)

	if err != nil {
		return r.fail(ctx, target, cfg, prior, err)
	}

	final := &CopyStatus{
		TableName:  name,
		LastCopied: time.Now().UTC(),
		RowsCopied: res.rows,
		CopyStatus: StatusSuccess,
	}
	if res.primaryColumn != "" {
		final.PrimaryColumnName = sql.NullString{String: res.primaryColumn, Valid: true}
		final.LastPrimaryValue = sql.NullString{String: res.lastPrimary, Valid: res.lastPrimary != ""}
	}
	if err := upsertStatus(ctx, target, final); err != nil {
		return r.fail(ctx, target, cfg, prior, err)
	}

	r.opt.Observe(cfg, res.rows, elapsed)
	r.metrics.RecordCopy(ctx, name, res.rows, elapsed)
	r.logger.Info("table copied",
		zap.String("table", name),
		zap.String("strategy", strategy),
		zap.Int64("rows", res.rows),
		zap.Duration("duration", elapsed))
	return true, nil
}

// fail records a failed copy and translates the error into the per-table
// false unless it is fatal to the whole run.
func (r *Replicator) fail(ctx context.Context, target *dbconn.Manager, cfg *config.TableConfig, prior *CopyStatus, err error) (bool, error) {
	if etlerr.IsFatal(err) {
		return false, err
	}

	failed := &CopyStatus{
		TableName:  cfg.TableName,
		LastCopied: time.Now().UTC(),
		CopyStatus: StatusFailed,
	}
	if prior != nil {
		failed.LastPrimaryValue = prior.LastPrimaryValue
		failed.PrimaryColumnName = prior.PrimaryColumnName
	}
	if statusErr := upsertStatus(ctx, target, failed); statusErr != nil {
		r.logger.Error("could not record failed copy",
			zap.String("table", cfg.TableName),
			zap.Error(statusErr))
	}

	r.metrics.RecordFailure(ctx, cfg.TableName, "replicate")
	r.logger.Error("table copy failed",
		zap.String("table", cfg.TableName),
		zap.String("kind", etlerr.KindOf(err).String()),
		zap.Bool("alert", cfg.Monitoring.AlertOnFailure),
		zap.Error(err))
	return false, nil
}

func (r *Replicator) warnOnSchemaDrift(cfg *config.TableConfig) {
	meta := r.settings.Metadata()
	if meta.SchemaHash != "" && cfg.SchemaHash != "" && meta.SchemaHash != cfg.SchemaHash {
		r.logger.Warn("table schema hash disagrees with analysis snapshot",
			zap.String("table", cfg.TableName),
			zap.String("table_hash", cfg.SchemaHash),
			zap.String("analysis_hash", meta.SchemaHash))
	}
}

// CopyTables copies the named tables in parallel. Nil or empty names selects
// every configured table; an unknown name yields false in the result map.
func (r *Replicator) CopyTables(ctx context.Context, names []string, workers int, force bool) (map[string]bool, error) {
	if len(names) == 0 {
		return r.Copy(ctx, settings.Filter{}, workers, force)
	}
	seen := make(map[string]bool, len(names))
	unique := make([]string, 0, len(names))
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			unique = append(unique, n)
		}
	}
	return r.runParallel(ctx, unique, workers, force)
}

// CopyTablesByCategory copies all tables of one performance category.
func (r *Replicator) CopyTablesByCategory(ctx context.Context, category config.PerformanceCategory, workers int, force bool) (map[string]bool, error) {
	return r.Copy(ctx, settings.Filter{Category: category}, workers, force)
}

func tableNames(cfgs []*config.TableConfig) []string {
	names := make([]string, len(cfgs))
	for i, cfg := range cfgs {
		names[i] = cfg.TableName
	}
	return names
}

// CopyTablesByPriority copies tables with processing priority up to
// maxPriority. All tables of priority k complete before any of k+1 starts.
func (r *Replicator) CopyTablesByPriority(ctx context.Context, maxPriority, workers int, force bool) (map[string]bool, error) {
	cfgs := r.settings.Select(settings.Filter{MaxPriority: maxPriority})

	results := map[string]bool{}
	for start := 0; start < len(cfgs); {
		end := start
		for end < len(cfgs) && cfgs[end].Priority == cfgs[start].Priority {
			end++
		}
		part, err := r.runParallel(ctx, tableNames(cfgs[start:end]), workers, force)
		for name, ok := range part {
			results[name] = ok
		}
		if err != nil {
			return results, err
		}
		start = end
	}
	return results, nil
}

// Copy runs the selected tables in parallel and returns per-table success.
func (r *Replicator) Copy(ctx context.Context, f settings.Filter, workers int, force bool) (map[string]bool, error) {
	return r.runParallel(ctx, tableNames(r.settings.Select(f)), workers, force)
}

// runParallel fans tables out over a bounded worker pool. A table failure
// never cancels its siblings; only fatal errors stop the group.
func (r *Replicator) runParallel(ctx context.Context, names []string, workers int, force bool) (map[string]bool, error) {
	if workers <= 0 {
		workers = r.settings.Pipeline().General.ParallelJobs
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	var mu sync.Mutex
	results := make(map[string]bool, len(names))

	for _, name := range names {
		g.Go(func() error {
			ok, err := r.CopyTable(gctx, name, force)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
			return err // non-nil only for fatal errors
		})
	}
	return results, g.Wait()
}

func (r *Replicator) managerOpts() []dbconn.ManagerOption {
	opts := []dbconn.ManagerOption{dbconn.WithLogger(r.logger)}
	if eh := r.settings.Pipeline().ErrorHandling; eh.MaxRetries > 0 {
		opts = append(opts, dbconn.WithRetryPolicy(eh.MaxRetries, eh.RetryDelay()))
	}
	return append(opts, r.mgrOpts...)
}
