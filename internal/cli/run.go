package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coral-mesh/tracecov/internal/cli/helpers"
	"github.com/coral-mesh/tracecov/internal/config"
	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/debuginfo"
	"github.com/coral-mesh/tracecov/internal/runner"
	"github.com/coral-mesh/tracecov/internal/tracer"
)

type runFlags struct {
	timeout             time.Duration
	jobs                int
	testThreads         int
	failOnTimeout       bool
	runWithoutDebugInfo bool
	allAddresses        bool
	mode                string
	mergePolicy         string
	projectRoot         string
	excludeFiles        []string
	excludeFunctions    []string
	debugFileDirs       []string
	dir                 string
	env                 []string
	cache               string
	noCache             bool
	format              string
	verbose             bool
}

var summaryFormats = []helpers.OutputFormat{helpers.FormatTable, helpers.FormatJSON, helpers.FormatCSV}

func newRunCmd(g *globalOptions) *cobra.Command {
	f := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run [flags] [binary...] [-- test-args...]",
		Short: "Trace test binaries and report line coverage",
		Long: `Run one or more test binaries under ptrace and report which source lines
executed. Arguments after -- are passed to every binary.

Build Go test binaries with 'go test -c' (optimizations disabled with
-gcflags=all=-N -l give the most precise line attribution).`,
		Example: `  tracecov run ./pkg.test
  tracecov run --jobs 4 --test-threads 1 ./a.test ./b.test -- -test.run TestFoo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := helpers.ValidateFormat(f.format, summaryFormats); err != nil {
				return err
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			applyRunFlags(cmd, f, cfg, args)
			if err := cfg.Validate(); err != nil {
				return err
			}

			opts, err := runnerOptions(cfg)
			if err != nil {
				return err
			}
			return runCoverage(cmd, g, cfg, opts, f)
		},
	}

	bindRunFlags(cmd, f)
	return cmd
}

func bindRunFlags(cmd *cobra.Command, f *runFlags) {
	flags := cmd.Flags()
	flags.DurationVar(&f.timeout, "timeout", constants.DefaultTestTimeout, "Time limit for each binary")
	flags.IntVarP(&f.jobs, "jobs", "j", constants.DefaultJobs, "Number of binaries traced concurrently")
	flags.IntVar(&f.testThreads, "test-threads", 0, "Forward -test.parallel=N to the binaries (0 keeps their default)")
	flags.BoolVar(&f.failOnTimeout, "fail-on-timeout", false, "Exit non-zero when a binary times out")
	flags.BoolVar(&f.runWithoutDebugInfo, "run-without-debug-info", false, "Run binaries without debug info untraced instead of skipping them")
	flags.BoolVar(&f.allAddresses, "trace-all-addresses", false, "Trap every address of a line, not only the first")
	flags.StringVar(&f.mode, "mode", constants.DefaultTraceMode, "Trace mode: count (every execution) or once (first execution per process)")
	flags.StringVar(&f.mergePolicy, "merge-policy", constants.DefaultMergePolicy, "How hit counts combine across binaries and runs: sum or max")
	flags.StringVar(&f.projectRoot, "project-root", "", "Only count files below this directory (default: working directory)")
	flags.StringSliceVar(&f.excludeFiles, "exclude-files", nil, "Glob patterns of files to exclude (repeatable)")
	flags.StringSliceVar(&f.excludeFunctions, "exclude-functions", nil, "Function name patterns to exclude; a trailing * matches any suffix")
	flags.StringSliceVar(&f.debugFileDirs, "debug-file-dir", nil, "Directories searched for separate debug files")
	flags.StringVar(&f.dir, "dir", "", "Working directory of the binaries")
	flags.StringArrayVarP(&f.env, "env", "e", nil, "Extra KEY=VALUE environment entries for the binaries")
	helpers.AddCacheFlag(cmd, &f.cache)
	flags.BoolVar(&f.noCache, "no-cache", false, "Do not read or update the coverage cache")
	helpers.AddFormatFlag(cmd, &f.format, helpers.FormatTable, summaryFormats)
	helpers.AddVerboseFlag(cmd, &f.verbose)
}

// applyRunFlags layers explicitly set flags and positional arguments over cfg.
func applyRunFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config, args []string) {
	binaries, testArgs := args, []string(nil)
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		binaries, testArgs = args[:dash], args[dash:]
	}
	if len(binaries) > 0 {
		cfg.Binaries = binaries
	}
	if len(testArgs) > 0 {
		cfg.Args = testArgs
	}

	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout = f.timeout
	}
	if flags.Changed("jobs") {
		cfg.Jobs = f.jobs
	}
	if flags.Changed("test-threads") {
		cfg.TestThreads = f.testThreads
	}
	if flags.Changed("fail-on-timeout") {
		cfg.FailOnTimeout = f.failOnTimeout
	}
	if flags.Changed("run-without-debug-info") {
		cfg.RunWithoutDebugInfo = f.runWithoutDebugInfo
	}
	if flags.Changed("trace-all-addresses") {
		cfg.Trace.AllAddresses = f.allAddresses
	}
	if flags.Changed("mode") {
		cfg.Trace.Mode = f.mode
	}
	if flags.Changed("merge-policy") {
		cfg.Trace.MergePolicy = f.mergePolicy
	}
	if flags.Changed("project-root") {
		cfg.Filter.ProjectRoot = f.projectRoot
	}
	if flags.Changed("exclude-files") {
		cfg.Filter.ExcludeFiles = f.excludeFiles
	}
	if flags.Changed("exclude-functions") {
		cfg.Filter.ExcludeFunctions = f.excludeFunctions
	}
	if flags.Changed("debug-file-dir") {
		cfg.Filter.DebugFileDirs = f.debugFileDirs
	}
	if flags.Changed("dir") {
		cfg.Dir = f.dir
	}
	if flags.Changed("env") {
		cfg.Env = append(cfg.Env, f.env...)
	}
	if flags.Changed("cache") {
		cfg.Cache.Path = f.cache
	}
	if flags.Changed("no-cache") {
		cfg.Cache.Disabled = f.noCache
	}
}

// runnerOptions converts a validated configuration.
func runnerOptions(cfg *config.Config) (runner.Options, error) {
	mode, err := tracer.ParseMode(cfg.Trace.Mode)
	if err != nil {
		return runner.Options{}, err
	}
	policy, err := coverage.ParseMergePolicy(cfg.Trace.MergePolicy)
	if err != nil {
		return runner.Options{}, err
	}

	root := cfg.Filter.ProjectRoot
	if root == "" {
		root = cfg.Dir
	}
	if root == "" {
		if root, err = os.Getwd(); err != nil {
			return runner.Options{}, fmt.Errorf("resolve project root: %w", err)
		}
	}
	if root, err = filepath.Abs(root); err != nil {
		return runner.Options{}, fmt.Errorf("resolve project root: %w", err)
	}

	opts := runner.Options{
		Binaries:            cfg.Binaries,
		Args:                cfg.Args,
		Dir:                 cfg.Dir,
		Env:                 cfg.Env,
		Timeout:             cfg.Timeout,
		Jobs:                cfg.Jobs,
		TestThreads:         cfg.TestThreads,
		FailOnTimeout:       cfg.FailOnTimeout,
		RunWithoutDebugInfo: cfg.RunWithoutDebugInfo,
		TraceAllAddresses:   cfg.Trace.AllAddresses,
		Mode:                mode,
		MergePolicy:         policy,
		Resolver: debuginfo.Options{
			ProjectRoot:      root,
			ExcludeFiles:     cfg.Filter.ExcludeFiles,
			ExcludeFunctions: cfg.Filter.ExcludeFunctions,
			DebugFileDirs:    cfg.Filter.DebugFileDirs,
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	if !cfg.Cache.Disabled {
		opts.CachePath = cfg.Cache.Path
	}
	return opts, nil
}

func runCoverage(cmd *cobra.Command, g *globalOptions, cfg *config.Config, opts runner.Options, f *runFlags) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o, err := runner.New(g.logger(cfg), opts)
	if err != nil {
		return err
	}

	summary, err := o.Run(ctx)
	if summary != nil {
		if rerr := writeSummary(cmd.OutOrStdout(), helpers.OutputFormat(f.format), summary, opts.Resolver.ProjectRoot, f.verbose); rerr != nil {
			return rerr
		}
	}

	switch {
	case errors.Is(err, runner.ErrNoCoverage):
		return &ExitError{Code: constants.ExitCodeNoCoverage, Err: err}
	case err != nil:
		return err
	case summary.ExitCode != 0:
		return &ExitError{Code: summary.ExitCode}
	}
	return nil
}
