package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odxtools/odetl/internal/config"
)

var validateConnections bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate pipeline configuration and environment",
	Long: `Parse pipeline.yml and tables.yml strictly, check that every required
environment variable is set for the selected environment, and optionally
verify that all three databases are reachable.`,
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateConnections, "check-connections", false, "Also open and ping every database")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close(cmd.Context())

	if err := rt.settings.Validate(); err != nil {
		return err
	}

	byCategory := map[config.PerformanceCategory]int{}
	for _, cfg := range rt.settings.Tables() {
		byCategory[cfg.Category]++
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration ok\n")
	fmt.Fprintf(out, "environment:   %s\n", rt.settings.Environment())
	fmt.Fprintf(out, "tables:        %d\n", len(rt.settings.Tables()))
	for _, cat := range []config.PerformanceCategory{
		config.CategoryTiny, config.CategorySmall, config.CategoryMedium,
		config.CategoryLarge, config.CategoryXLarge,
	} {
		if n := byCategory[cat]; n > 0 {
			fmt.Fprintf(out, "  %-12s %d\n", cat, n)
		}
	}
	if meta := rt.settings.Metadata(); meta.SchemaHash != "" {
		fmt.Fprintf(out, "schema hash:   %s\n", meta.SchemaHash)
	}

	if !validateConnections {
		return nil
	}

	ctx := cmd.Context()
	if db, err := rt.factory.Source(ctx); err != nil {
		return fmt.Errorf("source: %w", err)
	} else {
		db.Close()
	}
	if db, err := rt.factory.Replication(ctx); err != nil {
		return fmt.Errorf("replication: %w", err)
	} else {
		db.Close()
	}
	if db, err := rt.factory.Analytics(ctx, rt.analyticsSchema()); err != nil {
		return fmt.Errorf("analytics: %w", err)
	} else {
		db.Close()
	}
	fmt.Fprintf(out, "connections:   ok\n")
	return nil
}
