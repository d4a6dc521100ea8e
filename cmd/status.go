package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/load"
	"github.com/odxtools/odetl/internal/replicate"
	"github.com/odxtools/odetl/internal/report"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tracking state of both pipeline stages",
	Long: `Read etl_copy_status from the replication database and etl_load_status
from the analytics warehouse and print both, so a failed nightly run is
visible at a glance.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())
	ctx := cmd.Context()

	st := &report.StatusReport{Environment: string(rt.settings.Environment())}

	// Each side is independent; an unreachable database leaves its section
	// empty rather than hiding the other one.
	if replication, err := rt.factory.Replication(ctx); err == nil {
		mgr := dbconn.NewManager(replication, config.Replication, dbconn.WithLogger(rt.logger))
		st.Copies, err = replicate.ReadAllStatus(ctx, mgr)
		if err != nil {
			rt.logger.Warn("could not read copy status", zap.Error(err))
		}
		mgr.Close()
		replication.Close()
	} else {
		rt.logger.Warn("replication database unreachable", zap.Error(err))
	}

	schemaName := rt.analyticsSchema()
	if analytics, err := rt.factory.Analytics(ctx, schemaName); err == nil {
		mgr := dbconn.NewManager(analytics, config.Analytics, dbconn.WithLogger(rt.logger))
		st.Loads, err = load.ReadAllStatus(ctx, mgr, schemaName)
		if err != nil {
			rt.logger.Warn("could not read load status", zap.Error(err))
		}
		mgr.Close()
		analytics.Close()
	} else {
		rt.logger.Warn("analytics database unreachable", zap.Error(err))
	}

	rt.renderer.RenderStatus(st)
	return nil
}
