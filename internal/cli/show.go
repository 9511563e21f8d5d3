package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracecov/internal/cli/helpers"
	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/errors"
)

type lineRow struct {
	Line int    `header:"LINE" json:"line"`
	Hits uint64 `header:"HITS" json:"hits"`
}

func newShowCmd(g *globalOptions) *cobra.Command {
	var (
		cache  string
		lines  bool
		format string
	)

	cmd := &cobra.Command{
		Use:   "show [path]",
		Short: "Show accumulated coverage from the cache",
		Long: `Show the coverage accumulated in the cache, for every file or for the
files below a path. With --lines and a file path, print the hit count of each
coverable line.`,
		Example: `  tracecov show
  tracecov show internal/parser
  tracecov show --lines internal/parser/lexer.go`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(format, summaryFormats); err != nil {
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

			var (
				result *coverage.Result
				path   string
			)
			if len(args) == 1 {
				if path, err = filepath.Abs(args[0]); err != nil {
					return err
				}
				result, err = store.LoadPath(ctx, path)
			} else {
				result, err = store.Load(ctx)
			}
			if err != nil {
				return err
			}
			if result.IsEmpty() {
				return fmt.Errorf("no coverage recorded for %s", displayOr(path, "any file"))
			}

			formatter, err := helpers.NewFormatter(helpers.OutputFormat(format))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if lines {
				files := result.Files()
				if len(files) != 1 {
					return fmt.Errorf("--lines needs a single file, %s matches %d", displayOr(path, "the cache"), len(files))
				}
				traces := result.ChildTraces(files[0])
				rows := make([]lineRow, len(traces))
				for i, t := range traces {
					rows[i] = lineRow{Line: t.Line, Hits: t.Stat.Hits}
				}
				return formatter.Format(rows, out)
			}

			root, err := filepath.Abs(".")
			if err != nil {
				return err
			}
			if format == string(helpers.FormatTable) {
				if err := formatter.Format(fileRows(result, root), out); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(out)
				renderTotal(out, "Coverage", result)
				return nil
			}
			return formatter.Format(fileRows(result, root), out)
		},
	}

	helpers.AddCacheFlag(cmd, &cache)
	cmd.Flags().BoolVar(&lines, "lines", false, "Print per-line hit counts of a single file")
	helpers.AddFormatFlag(cmd, &format, helpers.FormatTable, summaryFormats)

	return cmd
}

func displayOr(path, fallback string) string {
	if path == "" {
		return fallback
	}
	return path
}
