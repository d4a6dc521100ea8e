package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/replicate"
	"github.com/odxtools/odetl/internal/report"
)

var (
	replicateAll         bool
	replicateCategory    string
	replicateMaxPriority int
	replicateForceFull   bool
	replicateWorkers     int
)

var replicateCmd = &cobra.Command{
	Use:   "replicate [tables...]",
	Short: "Copy tables from the source MySQL server to the replication database",
	Long: `Copy configured tables from the operational OpenDental server into the
local replication database. Incremental tables copy only rows past their
watermark; full tables are truncated and re-copied. Each table's outcome
lands in etl_copy_status.`,
	RunE: runReplicate,
}

func init() {
	replicateCmd.Flags().BoolVar(&replicateAll, "all", false, "Copy every configured table")
	replicateCmd.Flags().StringVar(&replicateCategory, "category", "", "Copy tables of one performance category (tiny|small|medium|large|xlarge)")
	replicateCmd.Flags().IntVar(&replicateMaxPriority, "max-priority", 0, "Copy tables with processing priority up to N, in priority order")
	replicateCmd.Flags().BoolVar(&replicateForceFull, "force-full", false, "Force a full refresh regardless of watermarks")
	replicateCmd.Flags().IntVar(&replicateWorkers, "workers", 0, "Parallel table workers (default from pipeline.yml)")
	rootCmd.AddCommand(replicateCmd)
}

func runReplicate(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !replicateAll && replicateCategory == "" && replicateMaxPriority == 0 {
		return fmt.Errorf("name tables to copy, or pass --all")
	}
	if replicateCategory != "" && !validCategory(replicateCategory) {
		return fmt.Errorf("invalid category %q", replicateCategory)
	}

	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	stage := rt.settings.Pipeline().Stage("extract")
	if !stage.Enabled {
		return fmt.Errorf("the extract stage is disabled in pipeline.yml")
	}
	ctx := cmd.Context()
	if stage.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout())
		defer cancel()
	}

	source, err := rt.factory.Source(ctx)
	if err != nil {
		return err
	}
	defer source.Close()
	replication, err := rt.factory.Replication(ctx)
	if err != nil {
		return err
	}
	defer replication.Close()

	rep := replicate.New(rt.settings, source, replication,
		replicate.WithLogger(rt.logger),
		replicate.WithMetrics(rt.metrics))

	started := time.Now()
	var results map[string]bool
	switch {
	case replicateMaxPriority > 0:
		results, err = rep.CopyTablesByPriority(ctx, replicateMaxPriority, replicateWorkers, replicateForceFull)
	case replicateCategory != "":
		results, err = rep.CopyTablesByCategory(ctx, config.PerformanceCategory(replicateCategory), replicateWorkers, replicateForceFull)
	default:
		results, err = rep.CopyTables(ctx, args, replicateWorkers, replicateForceFull)
	}
	elapsed := time.Since(started)
	if err != nil {
		return err
	}

	summary := rt.summarize("replicate", started, elapsed, results, copiedRows(ctx, rt, replication))
	rt.renderer.RenderSummary(summary)

	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d tables failed", failed, len(summary.Results))
	}
	return nil
}

// copiedRows reads per-table row counts from etl_copy_status. Best effort:
// the summary just shows zeros when the read fails.
func copiedRows(ctx context.Context, rt *runtime, replication *sqlx.DB) map[string]int64 {
	mgr := dbconn.NewManager(replication, config.Replication, dbconn.WithLogger(rt.logger))
	defer mgr.Close()

	statuses, err := replicate.ReadAllStatus(ctx, mgr)
	if err != nil {
		rt.logger.Warn("could not read copy status for the summary")
		return nil
	}
	rows := make(map[string]int64, len(statuses))
	for _, st := range statuses {
		rows[st.TableName] = st.RowsCopied
	}
	return rows
}

// summarize folds a result map into a renderable summary. Row counts come
// from the relevant tracking table when available.
func (rt *runtime) summarize(stage string, started time.Time, elapsed time.Duration, results map[string]bool, rows map[string]int64) *report.Summary {
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &report.Summary{
		Stage:       stage,
		Environment: string(rt.settings.Environment()),
		Started:     started,
		Elapsed:     elapsed,
	}
	for _, name := range names {
		res := report.Result{Table: name, OK: results[name], Rows: rows[name]}
		if cfg, ok := rt.settings.TableConfig(name); ok {
			res.Strategy = string(cfg.Strategy)
		}
		s.Results = append(s.Results, res)
	}
	return s
}

func validCategory(c string) bool {
	switch config.PerformanceCategory(c) {
	case config.CategoryTiny, config.CategorySmall, config.CategoryMedium,
		config.CategoryLarge, config.CategoryXLarge:
		return true
	}
	return false
}
