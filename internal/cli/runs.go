package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracecov/internal/cli/helpers"
	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/errors"
)

type runRow struct {
	ID        string `header:"RUN" json:"run_id"`
	Started   string `header:"STARTED" json:"started_at"`
	Duration  string `header:"DURATION" json:"duration"`
	Binaries  int64  `header:"BINARIES" json:"binaries"`
	ExitCode  int64  `header:"EXIT" json:"exit_code"`
	Coverage  string `header:"COVERAGE" json:"-"`
	Covered   int64  `json:"covered"`
	Coverable int64  `json:"coverable"`
}

func newRunsCmd(g *globalOptions) *cobra.Command {
	var (
		cache  string
		limit  int
		format string
		window helpers.TimeFlags
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs accumulated in the cache",
		Example: `  tracecov runs --limit 5
  tracecov runs --since 24h -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, summaryFormats); err != nil {
				return err
			}
			tr, err := window.Parse()
			if err != nil {
				return err
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger := g.logger(cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), constants.DefaultStoreTimeout)
			defer cancel()

			store, err := openCache(ctx, logger, cachePath(cache, cfg), true)
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, store, "close coverage cache")

			runs, err := store.Runs(ctx, coverage.RunFilter{From: tr.Start, To: tr.End, Limit: limit})
			if err != nil {
				return err
			}

			rows := make([]runRow, len(runs))
			for i, r := range runs {
				rows[i] = runRow{
					ID:        r.ID,
					Started:   r.StartedAt.Local().Format(time.RFC3339),
					Duration:  r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
					Binaries:  r.Binaries,
					ExitCode:  r.ExitCode,
					Coverage:  fmt.Sprintf("%.2f%%", coverage.Percent(int(r.Covered), int(r.Coverable))),
					Covered:   r.Covered,
					Coverable: r.Coverable,
				}
			}

			formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			return formatter.Format(rows, cmd.OutOrStdout())
		},
	}

	helpers.AddCacheFlag(cmd, &cache)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs (0 for all)")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, summaryFormats)
	window.AddFlags(cmd.Flags())

	return cmd
}

func newResetCmd(g *globalOptions) *cobra.Command {
	var cache string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete the accumulated coverage and run history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger := g.logger(cfg)
			path := cachePath(cache, cfg)

			ctx, cancel := context.WithTimeout(cmd.Context(), constants.DefaultStoreTimeout)
			defer cancel()

			store, err := openCache(ctx, logger, path, false)
			if err != nil {
				return err
			}
			defer errors.DeferClose(logger, store, "close coverage cache")

			if err := store.Reset(ctx); err != nil {
				return err
			}
			cmd.Printf("Coverage cache %s reset\n", path)
			return nil
		},
	}

	helpers.AddCacheFlag(cmd, &cache)
	return cmd
}
