package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/odxtools/odetl/internal/config"
	"github.com/odxtools/odetl/internal/dbconn"
	"github.com/odxtools/odetl/internal/logging"
	"github.com/odxtools/odetl/internal/report"
	"github.com/odxtools/odetl/internal/settings"
	"github.com/odxtools/odetl/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "odetl",
	Short: "Nightly ETL pipeline for OpenDental practice data",
	Long: `odetl moves OpenDental practice data into the analytics warehouse.

It replicates configured tables from the operational MySQL server to a
local replication database, then loads them into the PostgreSQL raw
schema with automatic type translation. Every table run is tracked, so
reruns pick up where the last successful run left off.

Configuration lives in pipeline.yml and tables.yml; credentials come
from the environment (ETL_ENVIRONMENT selects production or test).`,
	SilenceUsage: true,
}

// Execute is called by main.main(). It adds all child commands to the root
// command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config-dir", "c", "config", "Directory holding pipeline.yml and tables.yml")
	rootCmd.PersistentFlags().StringP("output", "o", "text", "Output format: text, plain, json, markdown")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level")
	rootCmd.PersistentFlags().Bool("lenient-tables", false, "Ignore unknown fields in tables.yml")

	viper.BindPFlag("config-dir", rootCmd.PersistentFlags().Lookup("config-dir"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("lenient-tables", rootCmd.PersistentFlags().Lookup("lenient-tables"))
}

func initConfig() {
	viper.SetEnvPrefix("ODETL")
	viper.AutomaticEnv()
}

// runtime bundles everything a pipeline command needs: resolved settings, a
// logger, the connection factory and the renderer for the selected format.
type runtime struct {
	settings *settings.Settings
	logger   *zap.Logger
	factory  *dbconn.Factory
	metrics  *telemetry.Metrics
	renderer report.Renderer

	metricsShutdown func(context.Context) error
}

func newRuntime(ctx context.Context) (*runtime, error) {
	provider, err := config.NewFileProvider(viper.GetString("config-dir"),
		config.WithStrictTables(!viper.GetBool("lenient-tables")))
	if err != nil {
		return nil, err
	}
	s, err := settings.New(provider)
	if err != nil {
		return nil, err
	}

	logCfg := s.Pipeline().Logging
	if lvl := viper.GetString("log-level"); lvl != "" {
		logCfg.Level = lvl
	}
	logger, err := logging.Build(logCfg)
	if err != nil {
		return nil, err
	}

	metrics, shutdown, err := telemetry.Setup(ctx, Version)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	return &runtime{
		settings:        s,
		logger:          logger,
		factory:         dbconn.NewFactory(s, logger),
		metrics:         metrics,
		renderer:        report.NewRenderer(viper.GetString("output"), os.Stdout),
		metricsShutdown: shutdown,
	}, nil
}

func (rt *runtime) close(ctx context.Context) {
	if err := rt.metricsShutdown(ctx); err != nil {
		rt.logger.Warn("metrics shutdown failed", zap.Error(err))
	}
	rt.logger.Sync()
}

// analyticsSchema resolves the target schema without opening a connection.
func (rt *runtime) analyticsSchema() config.AnalyticsSchema {
	params, err := rt.settings.DatabaseConfig(config.Analytics)
	if err != nil || params.Schema == "" {
		return config.SchemaRaw
	}
	return params.Schema
}
