// Package runner traces a set of test binaries and merges their coverage.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/coverage"
	"github.com/coral-mesh/tracecov/internal/debuginfo"
	"github.com/coral-mesh/tracecov/internal/privilege"
	"github.com/coral-mesh/tracecov/internal/sys/proc"
	"github.com/coral-mesh/tracecov/internal/tracer"
)

// Options configures a run.
type Options struct {
	// Binaries are the test executables to trace.
	Binaries []string
	// Args are passed to every binary.
	Args []string
	// Dir is the working directory of the binaries. Empty inherits ours.
	Dir string
	// Env entries are appended to our environment.
	Env []string

	// Timeout bounds each binary's run.
	Timeout time.Duration
	// Jobs is the number of binaries traced at once.
	Jobs int
	// TestThreads, when positive, is forwarded as -test.parallel.
	TestThreads int

	// FailOnTimeout makes a timed out binary contribute exit code 124. When it
	// is unset a timed out binary keeps exit code 0; the timeout is still
	// recorded as an issue.
	FailOnTimeout bool
	// RunWithoutDebugInfo runs binaries without a line table untraced, so
	// their exit code still counts.
	RunWithoutDebugInfo bool
	// TraceAllAddresses traces every address of a line.
	TraceAllAddresses bool

	Mode        tracer.Mode
	MergePolicy coverage.MergePolicy
	Resolver    debuginfo.Options

	// CachePath, when set, accumulates the run into a persisted cache.
	CachePath string

	// Streams of the traced binaries. Nil streams are discarded.
	Stdout *os.File
	Stderr *os.File
}

// BinaryResult describes how one binary's run ended.
type BinaryResult struct {
	Binary   string
	Traced   bool
	Outcome  tracer.Outcome
	ExitCode int
	Lines    int
	Duration time.Duration
	Report   *tracer.Report
}

// Summary is the outcome of a run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time

	// Result is the merged coverage of this run's binaries.
	Result *coverage.Result
	// Total is Result accumulated with the persisted cache, or Result itself
	// when no cache is configured.
	Total *coverage.Result

	// ExitCode is the highest exit code of any binary.
	ExitCode int
	Binaries []BinaryResult
	Errors   []*BinaryError
}

// HasIssues reports whether any binary had an issue.
func (s *Summary) HasIssues() bool {
	return len(s.Errors) > 0
}

// resolver resolves binaries to their coverable lines.
type resolver interface {
	Resolve(path string) (*debuginfo.Image, error)
}

type traceFunc func(ctx context.Context, logger zerolog.Logger, target tracer.Target, opts tracer.Options) (*tracer.Report, error)

// Orchestrator traces binaries and aggregates their coverage.
type Orchestrator struct {
	logger   zerolog.Logger
	opts     Options
	resolver resolver
	trace    traceFunc
}

// New creates an orchestrator.
func New(logger zerolog.Logger, opts Options) (*Orchestrator, error) {
	if len(opts.Binaries) == 0 {
		return nil, fmt.Errorf("no binaries to trace")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = constants.DefaultTestTimeout
	}
	if opts.Jobs <= 0 {
		opts.Jobs = constants.DefaultJobs
	}
	if opts.Mode == "" {
		opts.Mode = tracer.Mode(constants.DefaultTraceMode)
	}
	if opts.MergePolicy == "" {
		opts.MergePolicy = coverage.MergePolicy(constants.DefaultMergePolicy)
	}

	return &Orchestrator{
		logger:   logger.With().Str("component", "runner").Logger(),
		opts:     opts,
		resolver: debuginfo.NewResolver(logger, opts.Resolver),
		trace:    tracer.Trace,
	}, nil
}

// Run traces every binary and returns the merged coverage and the highest
// exit code. A non-zero test exit code is reported even when coverage was
// collected. ErrNoCoverage is returned when the merged result has no coverable
// line, whether no binary could be traced or filtering removed every line.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     uuid.NewString(),
		StartedAt: time.Now().UTC(),
		Binaries:  make([]BinaryResult, len(o.opts.Binaries)),
	}
	logger := o.logger.With().Str("run_id", summary.RunID).Logger()
	logger.Debug().
		Int("binaries", len(o.opts.Binaries)).
		Int("jobs", o.opts.Jobs).
		Str("kernel", proc.GetKernelVersion()).
		Int("ptrace_scope", proc.PtraceScope()).
		Msg("Starting coverage run")

	agg := coverage.NewAggregator(o.opts.MergePolicy)
	errs := make([][]*BinaryError, len(o.opts.Binaries))

	g := new(errgroup.Group)
	g.SetLimit(o.opts.Jobs)
	for i, binary := range o.opts.Binaries {
		g.Go(func() error {
			res, result, berrs := o.runBinary(ctx, logger, binary)
			if result != nil {
				agg.Merge(result)
			}
			summary.Binaries[i] = res
			errs[i] = berrs
			return nil
		})
	}
	_ = g.Wait()

	for i := range errs {
		summary.Errors = append(summary.Errors, errs[i]...)
	}
	for _, res := range summary.Binaries {
		summary.ExitCode = max(summary.ExitCode, res.ExitCode)
	}
	summary.Result = agg.Result()
	summary.Total = summary.Result
	summary.FinishedAt = time.Now().UTC()

	logger.Info().
		Int("binaries", len(o.opts.Binaries)).
		Int("issues", len(summary.Errors)).
		Int("covered", summary.Result.Covered()).
		Int("coverable", summary.Result.Coverable()).
		Int("exit_code", summary.ExitCode).
		Msg("Run finished")

	if err := ctx.Err(); err != nil {
		return summary, err
	}

	if summary.Result.IsEmpty() {
		if agg.Merged() > 0 {
			logger.Warn().
				Str("project_root", o.opts.Resolver.ProjectRoot).
				Msg("Binaries resolved but no coverable line survived filtering; check the project root and exclude patterns")
		}
		return summary, ErrNoCoverage
	}

	if o.opts.CachePath != "" {
		total, err := o.persist(ctx, summary)
		if err != nil {
			return summary, err
		}
		summary.Total = total
	}

	return summary, nil
}

func (o *Orchestrator) runBinary(ctx context.Context, logger zerolog.Logger, binary string) (BinaryResult, *coverage.Result, []*BinaryError) {
	res := BinaryResult{Binary: binary}
	logger = logger.With().Str("binary", binary).Logger()

	path, err := filepath.Abs(binary)
	if err != nil {
		return res, nil, []*BinaryError{{Binary: binary, Kind: KindAttach, Err: err}}
	}

	var berrs []*BinaryError
	img, err := o.resolver.Resolve(path)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping binary without usable debug info")
		berrs = append(berrs, &BinaryError{Binary: binary, Kind: KindDebugInfo, Err: err})
		if !o.opts.RunWithoutDebugInfo {
			return res, nil, berrs
		}
		img = nil
	}
	res.Traced = img != nil
	if img != nil {
		res.Lines = img.Len()
	}

	runCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	start := time.Now()
	report, err := o.trace(runCtx, logger, o.target(path), tracer.Options{
		Image:        img,
		Resolver:     o.resolver,
		AllAddresses: o.opts.TraceAllAddresses,
		Mode:         o.opts.Mode,
	})
	res.Duration = time.Since(start)
	res.Report = report

	if err != nil {
		var attachErr *tracer.AttachError
		kind := KindProtocol
		if errors.As(err, &attachErr) {
			kind = KindAttach
		}
		logger.Error().Err(err).Str("kind", kind.String()).Msg("Trace failed")
		berrs = append(berrs, &BinaryError{Binary: binary, Kind: kind, Err: err, Hint: privilege.TraceHint(err)})
		res.ExitCode = 1
	}
	if report == nil {
		return res, nil, berrs
	}

	res.Outcome = report.Outcome
	// A failed trace already counts as exit code 1 with one issue; the kill
	// that released the tree says nothing about the program.
	if err == nil {
		switch report.Outcome.Kind {
		case tracer.OutcomeExited:
			res.ExitCode = report.Outcome.ExitCode
		case tracer.OutcomeSignalled:
			res.ExitCode = constants.ExitCodeSignalBase + int(report.Outcome.Signal)
			berrs = append(berrs, &BinaryError{
				Binary: binary,
				Kind:   KindSignalled,
				Err:    fmt.Errorf("killed by %s", signalName(report.Outcome.Signal)),
			})
		case tracer.OutcomeTimeout:
			if o.opts.FailOnTimeout {
				res.ExitCode = constants.ExitCodeTimeout
			}
			berrs = append(berrs, &BinaryError{
				Binary: binary,
				Kind:   KindTimeout,
				Err:    fmt.Errorf("timed out after %s", o.opts.Timeout),
			})
		}
	}

	logger.Debug().
		Str("outcome", report.Outcome.Kind.String()).
		Int("exit_code", res.ExitCode).
		Dur("duration", res.Duration).
		Msg("Binary finished")

	if img == nil && len(report.Hits) == 0 {
		return res, nil, berrs
	}
	return res, coverage.FromHits(report.Hits), berrs
}

func (o *Orchestrator) target(path string) tracer.Target {
	args := append([]string(nil), o.opts.Args...)
	if o.opts.TestThreads > 0 {
		args = append(args, "-test.parallel="+strconv.Itoa(o.opts.TestThreads))
	}

	return tracer.Target{
		Path:   path,
		Args:   args,
		Dir:    o.opts.Dir,
		Env:    append(os.Environ(), o.opts.Env...),
		Stdout: o.opts.Stdout,
		Stderr: o.opts.Stderr,
	}
}

func (o *Orchestrator) persist(ctx context.Context, summary *Summary) (*coverage.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DefaultStoreTimeout)
	defer cancel()

	store, err := coverage.OpenStore(ctx, o.logger, o.opts.CachePath, false)
	if err != nil {
		return nil, err
	}

	total, err := store.Accumulate(ctx, summary.Result, o.opts.MergePolicy, &coverage.Run{
		ID:         summary.RunID,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Binaries:   int64(len(summary.Binaries)),
		ExitCode:   int64(summary.ExitCode),
		Covered:    int64(summary.Result.Covered()),
		Coverable:  int64(summary.Result.Coverable()),
	})
	if cerr := store.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("accumulate coverage cache: %w", err)
	}

	if err := privilege.FixFileOwnership(o.opts.CachePath); err != nil {
		o.logger.Warn().Err(err).Msg("Could not hand the coverage cache back to the invoking user")
	}
	return total, nil
}

func signalName(sig syscall.Signal) string {
	return fmt.Sprintf("%s (%d)", sig.String(), int(sig))
}
