package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/load"
	"github.com/odxtools/odetl/internal/settings"
)

var (
	loadAll         bool
	loadCategory    string
	loadMaxPriority int
	loadForceFull   bool
	loadWorkers     int
	loadChunkSize   int
	loadVerify      bool
)

var loadCmd = &cobra.Command{
	Use:   "load [tables...]",
	Short: "Load tables from the replication database into the analytics warehouse",
	Long: `Load configured tables from the replication MySQL database into the
PostgreSQL raw schema. Target tables are created on first load with
automatic MySQL-to-PostgreSQL type translation; subsequent loads are
incremental where the configuration allows. Each table's outcome lands
in etl_load_status.`,
	RunE: runLoad,
}

func init() {
	loadCmd.Flags().BoolVar(&loadAll, "all", false, "Load every configured table")
	loadCmd.Flags().StringVar(&loadCategory, "category", "", "Load tables of one performance category (tiny|small|medium|large|xlarge)")
	loadCmd.Flags().IntVar(&loadMaxPriority, "max-priority", 0, "Load tables with processing priority up to N")
	loadCmd.Flags().BoolVar(&loadForceFull, "force-full", false, "Force a full load regardless of watermarks")
	loadCmd.Flags().IntVar(&loadWorkers, "workers", 0, "Parallel table workers (default from pipeline.yml)")
	loadCmd.Flags().IntVar(&loadChunkSize, "chunk-size", 0, "Force the chunked strategy with this many rows per transaction")
	loadCmd.Flags().BoolVar(&loadVerify, "verify", false, "Compare row counts after each successful load")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !loadAll && loadCategory == "" && loadMaxPriority == 0 {
		return fmt.Errorf("name tables to load, or pass --all")
	}
	if loadCategory != "" && !validCategory(loadCategory) {
		return fmt.Errorf("invalid category %q", loadCategory)
	}

	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	stage := rt.settings.Pipeline().Stage("load")
	if !stage.Enabled {
		return fmt.Errorf("the load stage is disabled in pipeline.yml")
	}
	ctx := cmd.Context()
	if stage.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout())
		defer cancel()
	}

	schemaName := rt.analyticsSchema()
	replication, err := rt.factory.Replication(ctx)
	if err != nil {
		return err
	}
	defer replication.Close()
	analytics, err := rt.factory.Analytics(ctx, schemaName)
	if err != nil {
		return err
	}
	defer analytics.Close()

	// The source handle only samples TINYINT(1) columns; loads proceed
	// without it.
	var source *sqlx.DB
	if src, err := rt.factory.Source(ctx); err == nil {
		source = src
		defer source.Close()
	} else {
		rt.logger.Warn("source unavailable, TINYINT(1) columns map to smallint", zap.Error(err))
	}

	loader := load.New(rt.settings, source, replication, analytics,
		load.WithLogger(rt.logger),
		load.WithMetrics(rt.metrics),
		load.WithSchema(schemaName))

	started := time.Now()
	results, err := runLoadSelection(ctx, loader, rt, args)
	elapsed := time.Since(started)
	if err != nil {
		return err
	}

	if loadVerify {
		verifyLoads(ctx, loader, rt, results)
	}

	summary := rt.summarize("load", started, elapsed, results, loadedRows(ctx, rt, analytics, schemaName))
	rt.renderer.RenderSummary(summary)

	if failed := summary.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d tables failed", failed, len(summary.Results))
	}
	return nil
}

func runLoadSelection(ctx context.Context, loader *load.Loader, rt *runtime, args []string) (map[string]bool, error) {
	if loadChunkSize > 0 {
		// Chunked loads run sequentially; they are the big tables.
		names := args
		if len(names) == 0 {
			f := settings.Filter{Category: config.PerformanceCategory(loadCategory), MaxPriority: loadMaxPriority}
			for _, cfg := range rt.settings.Select(f) {
				names = append(names, cfg.TableName)
			}
		}
		results := make(map[string]bool, len(names))
		for _, name := range names {
			ok, err := loader.LoadTableChunked(ctx, name, loadForceFull, loadChunkSize)
			results[name] = ok
			if err != nil {
				return results, err
			}
		}
		return results, nil
	}

	if len(args) > 0 {
		return loader.LoadTables(ctx, args, loadWorkers, loadForceFull)
	}
	f := settings.Filter{Category: config.PerformanceCategory(loadCategory), MaxPriority: loadMaxPriority}
	return loader.Load(ctx, f, loadWorkers, loadForceFull)
}

func verifyLoads(ctx context.Context, loader *load.Loader, rt *runtime, results map[string]bool) {
	for name, ok := range results {
		if !ok {
			continue
		}
		match, err := loader.VerifyLoad(ctx, name)
		if err != nil {
			rt.logger.Warn("verification failed", zap.String("table", name), zap.Error(err))
			continue
		}
		if !match {
			rt.logger.Warn("row count mismatch after load", zap.String("table", name))
		}
	}
}

// loadedRows reads per-table row counts from etl_load_status. Best effort.
func loadedRows(ctx context.Context, rt *runtime, analytics *sqlx.DB, schemaName config.AnalyticsSchema) map[string]int64 {
	mgr := dbconn.NewManager(analytics, config.Analytics, dbconn.WithLogger(rt.logger))
	defer mgr.Close()

	statuses, err := load.ReadAllStatus(ctx, mgr, schemaName)
	if err != nil {
		rt.logger.Warn("could not read load status for the summary")
		return nil
	}
	rows := make(map[string]int64, len(statuses))
	for _, st := range statuses {
		rows[st.TableName] = st.RowsLoaded
	}
	return rows
}
