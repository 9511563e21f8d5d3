// Package cli implements the tracecov command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracecov/internal/config"
	"github.com/coral-mesh/tracecov/internal/logging"
	"github.com/coral-mesh/tracecov/pkg/version"
)

// ExitError carries a process exit code out of a command. Err, when set, is
// printed before exiting.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func (g *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader().Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

func (g *globalOptions) logger(cfg *config.Config) zerolog.Logger {
	lc := logging.DefaultConfig()
	lc.Level = cfg.Logging.Level
	lc.Pretty = lc.Pretty || cfg.Logging.Pretty
	return logging.New(lc)
}

// NewRootCmd builds the tracecov command tree.
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "tracecov",
		Short: "Line coverage for compiled test binaries, collected with ptrace",
		Long: `tracecov runs test binaries under ptrace with a trap on every line that
has debug information, counts how often each line executes and merges the
counts across binaries and runs.

Binaries need DWARF line tables. Coverage accumulates in a cache so several
invocations can be combined and queried later with 'tracecov show'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default ./tracecov.yaml when present)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newRunCmd(g))
	cmd.AddCommand(newShowCmd(g))
	cmd.AddCommand(newRunsCmd(g))
	cmd.AddCommand(newResetCmd(g))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("tracecov version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
			cmd.Printf("Platform:   %s\n", version.Platform())
		},
	}
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := NewRootCmd().Execute()
	if err == nil {
		return 0
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.Err)
		}
		return exitErr.Code
	}

	_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
