package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/coral-mesh/tracecov/internal/constants"
	"github.com/coral-mesh/tracecov/internal/debuginfo"
	"github.com/coral-mesh/tracecov/internal/tracepoint"
)

// Mode selects what happens to a trace point after it is hit.
type Mode string

const (
	// ModeCount re-installs the trap after every hit so every execution is counted.
	ModeCount Mode = "count"
	// ModeOnce removes the trap on the first hit. Lines then report at most one
	// hit per process, at a fraction of the cost.
	ModeOnce Mode = "once"
)

// ParseMode validates a trace mode name.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case ModeCount, ModeOnce:
		return Mode(name), nil
	case "":
		return Mode(constants.DefaultTraceMode), nil
	default:
		return "", fmt.Errorf("unknown trace mode %q (want %q or %q)", name, ModeCount, ModeOnce)
	}
}

// ImageResolver resolves images exec'd by traced processes.
type ImageResolver interface {
	Resolve(path string) (*debuginfo.Image, error)
}

// Options configures a trace session.
type Options struct {
	// Image is the resolved image of the spawned binary. A nil image traces
	// process events without inserting traps.
	Image *debuginfo.Image

	// Resolver resolves images after exec. Nil leaves exec'd images untraced.
	Resolver ImageResolver

	// AllAddresses traces every address of a line instead of the first one.
	AllAddresses bool

	Mode Mode
}

// OutcomeKind is the terminal state of a traced run.
type OutcomeKind int

const (
	OutcomeExited OutcomeKind = iota + 1
	OutcomeSignalled
	OutcomeTimeout
	OutcomeCancelled
	// OutcomeAborted means tracing failed before the root's exit was seen and
	// the tree was killed.
	OutcomeAborted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeExited:
		return "exited"
	case OutcomeSignalled:
		return "signalled"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Outcome describes how the root process ended.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Signal   syscall.Signal
}

// Report is the result of a trace session.
type Report struct {
	Outcome Outcome

	// Hits holds the hit count of every traced line, zero for lines never
	// executed. Counts of one line in several processes are summed.
	Hits map[*debuginfo.Line]uint64

	Processes    int
	Threads      int
	Installed    int
	ForeignStops int
}

type procState int

const (
	procAttached procState = iota
	procExited
)

// process is a traced thread group. Processes live in the session arena and
// refer to each other by arena index.
type process struct {
	pid      int
	parent   int
	children map[int]struct{}
	threads  map[int]struct{}
	table    *tracepoint.Table
	state    procState
}

type thread struct {
	tid  int
	proc int
	// started is set once the initial stop of a new tracee has been consumed.
	started bool
}

// session drives one traced process tree. It is confined to the goroutine
// that spawned the tree.
type session struct {
	logger zerolog.Logger
	ctl    Controller
	opts   Options

	procs   []*process
	byPID   map[int]int
	threads map[int]*thread
	// orphans holds stops of new tracees seen before the event that created them.
	orphans map[int]Stop

	report *Report
}

func newSession(logger zerolog.Logger, ctl Controller, opts Options) *session {
	if opts.Mode == "" {
		opts.Mode = ModeCount
	}
	return &session{
		logger:  logger.With().Str("component", "tracer").Int("root_pid", ctl.Root()).Logger(),
		ctl:     ctl,
		opts:    opts,
		byPID:   make(map[int]int),
		threads: make(map[int]*thread),
		orphans: make(map[int]Stop),
		report: &Report{
			Outcome: Outcome{Kind: OutcomeSignalled, Signal: syscall.SIGKILL},
			Hits:    make(map[*debuginfo.Line]uint64),
		},
	}
}

// run traces the tree until every tracee is gone. The root is expected to be
// in its initial stop. Cancelling ctx kills the tree; the partial report is
// still returned.
func (s *session) run(ctx context.Context) (*Report, error) {
	root := s.ctl.Root()
	idx := s.addProcess(root, -1, nil)
	s.threads[root] = &thread{tid: root, proc: idx, started: true}
	s.procs[idx].threads[root] = struct{}{}
	s.report.Threads++

	if s.opts.Image != nil {
		table, err := s.newTable(root, root, s.opts.Image)
		if err != nil {
			return s.abort(ctx, false, &AttachError{Path: s.opts.Image.Path, Err: err})
		}
		s.procs[idx].table = table
	}

	var interrupted atomic.Bool
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			interrupted.Store(true)
			s.logger.Warn().Err(ctx.Err()).Msg("Killing traced process tree")
			if err := s.ctl.KillTree(); err != nil {
				s.logger.Debug().Err(err).Msg("Kill process tree")
			}
		case <-done:
		}
	}()

	if err := s.resume(root, 0); err != nil {
		return s.abort(ctx, interrupted.Load(), err)
	}

	for {
		stop, err := s.ctl.Wait(-1)
		if err != nil {
			if errors.Is(err, syscall.ECHILD) {
				break
			}
			return s.abort(ctx, interrupted.Load(), protocolError(-1, "wait", err))
		}

		if err := s.dispatch(stop); err != nil {
			if vanished(err) {
				s.logger.Debug().Err(err).Msg("Tracee vanished while stopped")
				continue
			}
			s.logger.Error().Err(err).Str("stop", stop.String()).Msg("Trace session failed")
			return s.abort(ctx, interrupted.Load(), err)
		}
	}

	return s.finish(ctx, interrupted.Load()), nil
}

// abort releases the tree after a tracing failure. Unless the root's exit was
// already observed, the outcome reflects the kill rather than the program.
func (s *session) abort(ctx context.Context, interrupted bool, err error) (*Report, error) {
	s.release()
	if s.procs[0].state != procExited {
		s.report.Outcome = Outcome{Kind: OutcomeAborted, Signal: syscall.SIGKILL}
	}
	return s.finish(ctx, interrupted), err
}

func (s *session) finish(ctx context.Context, interrupted bool) *Report {
	for _, proc := range s.procs {
		if proc.table != nil {
			s.retire(proc)
		}
	}

	if interrupted {
		kind := OutcomeCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = OutcomeTimeout
		}
		s.report.Outcome = Outcome{Kind: kind, Signal: syscall.SIGKILL}
	}

	s.logger.Debug().
		Str("outcome", s.report.Outcome.Kind.String()).
		Int("processes", s.report.Processes).
		Int("threads", s.report.Threads).
		Int("foreign_stops", s.report.ForeignStops).
		Msg("Trace session finished")

	return s.report
}

// release kills whatever is left of the tree and reaps it. Tracees cannot
// outlive the session, so no trap is ever left behind in a running process.
func (s *session) release() {
	if err := s.ctl.KillTree(); err != nil {
		s.logger.Debug().Err(err).Msg("Kill process tree")
	}
	for i := 0; i < constants.MaxDrainWaits; i++ {
		if _, err := s.ctl.Wait(-1); err != nil {
			return
		}
	}
	s.logger.Warn().Msg("Gave up reaping traced processes")
}

func (s *session) dispatch(stop Stop) error {
	th, known := s.threads[stop.TID]
	if !known {
		return s.unknownStop(stop)
	}

	if !th.started && stop.Kind == StopSignal && stop.Signal == syscall.SIGSTOP {
		th.started = true
		return s.resume(stop.TID, 0)
	}
	th.started = true

	ev, err := s.classify(stop)
	if err != nil {
		return err
	}
	return s.handle(ev)
}

// unknownStop handles stops of threads whose creating event has not been seen yet.
func (s *session) unknownStop(stop Stop) error {
	switch stop.Kind {
	case StopExited, StopSignalled:
		s.logger.Trace().Str("stop", stop.String()).Msg("Ignoring exit of untracked thread")
	default:
		s.orphans[stop.TID] = stop
	}
	return nil
}

func (s *session) classify(stop Stop) (event, error) {
	tid := stop.TID

	switch stop.Kind {
	case StopExited:
		return Exited{TID: tid, Code: stop.Code}, nil

	case StopSignalled:
		return Signalled{TID: tid, Signal: stop.Signal}, nil

	case StopEvent:
		switch stop.Event {
		case EventClone, EventFork, EventVfork:
			msg, err := s.ctl.EventMsg(tid)
			if err != nil {
				return nil, protocolError(tid, "get event message", err)
			}
			if stop.Event == EventClone {
				return ThreadSpawn{TID: tid, NewTID: int(msg)}, nil
			}
			return ChildSpawn{TID: tid, PID: int(msg), Vfork: stop.Event == EventVfork}, nil
		case EventExec:
			return Exec{TID: tid}, nil
		default:
			return ForeignStop{TID: tid}, nil
		}

	case StopSignal:
		if stop.Signal != syscall.SIGTRAP {
			return ForeignStop{TID: tid, Signal: stop.Signal}, nil
		}
		pc, err := s.ctl.PC(tid)
		if err != nil {
			return nil, protocolError(tid, "read pc", err)
		}
		if table := s.procOf(tid).table; table != nil {
			addr := tracepoint.TrapAddress(table.Image().Arch, pc)
			if p, ok := table.Lookup(addr); ok {
				return Hit{TID: tid, Point: p}, nil
			}
		}
		return ForeignStop{TID: tid, Signal: syscall.SIGTRAP, PC: pc}, nil

	default:
		return nil, fmt.Errorf("unknown stop kind %d for tid %d", stop.Kind, tid)
	}
}

func (s *session) handle(ev event) error {
	switch ev := ev.(type) {
	case Hit:
		return s.onHit(ev)
	case ForeignStop:
		return s.onForeignStop(ev)
	case ThreadSpawn:
		if err := s.adoptThread(ev.NewTID, s.threads[ev.TID].proc); err != nil {
			return err
		}
		return s.resume(ev.TID, 0)
	case ChildSpawn:
		if err := s.adoptChild(ev); err != nil {
			return err
		}
		return s.resume(ev.TID, 0)
	case Exec:
		return s.onExec(ev)
	case Exited:
		s.onExit(ev.TID, Outcome{Kind: OutcomeExited, ExitCode: ev.Code})
		return nil
	case Signalled:
		s.onExit(ev.TID, Outcome{Kind: OutcomeSignalled, Signal: ev.Signal})
		return nil
	default:
		return fmt.Errorf("unhandled trace event %T", ev)
	}
}

func (s *session) onHit(ev Hit) error {
	tid, p := ev.TID, ev.Point
	table := s.procOf(tid).table
	table.Hit(p)

	mem := threadMemory{ctl: s.ctl, tid: tid}
	if e := s.logger.Trace(); e.Enabled() {
		e.Int("tid", tid).
			Stringer("line", p.Line).
			Uint64("hits", p.Hits()).
			Str("inst", describe(table, mem, p)).
			Msg("Hit")
	}

	if err := s.ctl.SetPC(tid, p.Addr); err != nil {
		return protocolError(tid, "rewind pc", err)
	}

	if !p.Installed() {
		// Another thread already restored the site; the original instruction is in place.
		return s.resume(tid, 0)
	}

	if err := table.Restore(mem, p); err != nil {
		return protocolError(tid, "restore instruction", err)
	}
	if s.opts.Mode == ModeOnce {
		return s.resume(tid, 0)
	}

	sig, reinstall, err := s.stepOver(tid)
	if err != nil {
		if e := s.logger.Warn(); e.Enabled() {
			e.Err(err).
				Int("tid", tid).
				Stringer("line", p.Line).
				Str("inst", describe(table, mem, p)).
				Msg("Step over trace point failed")
		}
		return err
	}
	if !reinstall {
		return nil
	}
	if err := table.Reinstall(mem, p); err != nil {
		return protocolError(tid, "reinstall trap", err)
	}
	return s.resume(tid, sig)
}

// describe disassembles the instruction at p for diagnostics.
func describe(table *tracepoint.Table, mem tracepoint.Memory, p *tracepoint.Point) string {
	inst, err := table.Describe(mem, p)
	if err != nil {
		return "?"
	}
	return inst
}

// stepOver executes the restored instruction of a stopped thread. Signals that
// arrive meanwhile are held back and returned for delivery on resume. When the
// step ends in exit or exec the thread has already been handled and the trap
// must not be reinstalled.
func (s *session) stepOver(tid int) (pending syscall.Signal, reinstall bool, err error) {
	for {
		if err := s.ctl.Step(tid); err != nil {
			return 0, false, protocolError(tid, "single-step", err)
		}
		stop, err := s.ctl.Wait(tid)
		if err != nil {
			return 0, false, protocolError(tid, "wait for step", err)
		}

		switch stop.Kind {
		case StopExited, StopSignalled, StopEvent:
			ev, err := s.classify(stop)
			if err != nil {
				return 0, false, err
			}
			switch ev := ev.(type) {
			case ThreadSpawn:
				// The stepped instruction created a tracee; the step itself is not done.
				if err := s.adoptThread(ev.NewTID, s.threads[tid].proc); err != nil {
					return 0, false, err
				}
				continue
			case ChildSpawn:
				if err := s.adoptChild(ev); err != nil {
					return 0, false, err
				}
				continue
			case ForeignStop:
				continue
			default:
				return 0, false, s.handle(ev)
			}

		case StopSignal:
			if stop.Signal == syscall.SIGTRAP {
				return pending, true, nil
			}
			if stop.Signal != syscall.SIGSTOP {
				pending = stop.Signal
			}
		}
	}
}

func (s *session) onForeignStop(ev ForeignStop) error {
	s.report.ForeignStops++

	sig := ev.Signal
	switch sig {
	case syscall.SIGTRAP, syscall.SIGSTOP:
		// Traps outside the table and stop requests are swallowed; the thread
		// resumes unmodified.
		sig = 0
	}

	s.logger.Debug().
		Int("tid", ev.TID).
		Str("signal", ev.Signal.String()).
		Str("pc", fmt.Sprintf("%#x", ev.PC)).
		Msg("Foreign stop")

	return s.resume(ev.TID, sig)
}

func (s *session) adoptThread(tid, procIdx int) error {
	th := &thread{tid: tid, proc: procIdx}
	s.threads[tid] = th
	s.procs[procIdx].threads[tid] = struct{}{}
	s.report.Threads++

	s.logger.Trace().Int("tid", tid).Int("pid", s.procs[procIdx].pid).Msg("New thread")

	if orphan, ok := s.orphans[tid]; ok {
		delete(s.orphans, tid)
		return s.dispatch(orphan)
	}
	return nil
}

func (s *session) adoptChild(ev ChildSpawn) error {
	parentIdx := s.threads[ev.TID].proc
	parent := s.procs[parentIdx]

	var table *tracepoint.Table
	if parent.table != nil {
		// A vfork child shares the parent's memory until it execs; the copied
		// table keeps the installation state consistent either way.
		table = parent.table.Fork()
	}

	idx := s.addProcess(ev.PID, parentIdx, table)
	parent.children[idx] = struct{}{}

	s.logger.Debug().
		Int("parent_pid", parent.pid).
		Int("pid", ev.PID).
		Bool("vfork", ev.Vfork).
		Msg("Following child process")

	return s.adoptThread(ev.PID, idx)
}

func (s *session) onExec(ev Exec) error {
	tid := ev.TID
	procIdx := s.threads[tid].proc
	proc := s.procs[procIdx]

	// Every other thread of the group is gone after exec.
	for other := range proc.threads {
		if other != tid {
			delete(s.threads, other)
			delete(proc.threads, other)
		}
	}

	if proc.table != nil {
		s.retire(proc)
	}

	path, err := s.ctl.Executable(proc.pid)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Int("pid", proc.pid).Msg("Cannot determine exec'd image; continuing untraced")
	case s.opts.Resolver == nil:
		s.logger.Debug().Str("binary", path).Int("pid", proc.pid).Msg("Exec'd image left untraced")
	default:
		img, err := s.opts.Resolver.Resolve(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("binary", path).Msg("Exec'd image has no usable debug info; continuing untraced")
			break
		}
		table, err := s.newTable(tid, proc.pid, img)
		if err != nil {
			s.logger.Warn().Err(err).Str("binary", path).Msg("Cannot trace exec'd image")
			break
		}
		proc.table = table
		s.logger.Debug().Str("binary", path).Int("pid", proc.pid).Int("points", table.Len()).Msg("Tracing exec'd image")
	}

	return s.resume(tid, 0)
}

func (s *session) onExit(tid int, outcome Outcome) {
	procIdx := s.threads[tid].proc
	proc := s.procs[procIdx]

	delete(s.threads, tid)
	delete(proc.threads, tid)

	if tid != proc.pid {
		return
	}

	// The leader reports last, so the whole group is gone.
	for other := range proc.threads {
		delete(s.threads, other)
	}
	proc.threads = make(map[int]struct{})
	proc.state = procExited
	if proc.table != nil {
		s.retire(proc)
	}
	if proc.parent >= 0 {
		delete(s.procs[proc.parent].children, procIdx)
	}
	if s.byPID[proc.pid] == procIdx {
		delete(s.byPID, proc.pid)
	}

	if proc.pid == s.ctl.Root() {
		s.report.Outcome = outcome
		s.logger.Debug().
			Str("outcome", outcome.Kind.String()).
			Int("exit_code", outcome.ExitCode).
			Msg("Root process ended")
	}
}

func (s *session) newTable(tid, pid int, img *debuginfo.Image) (*tracepoint.Table, error) {
	var bias uint64
	if img.PIE {
		var err error
		bias, err = s.ctl.LoadBias(pid, img)
		if err != nil {
			return nil, fmt.Errorf("load bias of %s: %w", img.Path, err)
		}
	}

	table, err := tracepoint.New(img, bias, s.opts.AllAddresses)
	if err != nil {
		return nil, err
	}

	installed, err := table.Install(threadMemory{ctl: s.ctl, tid: tid})
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("binary", img.Path).
			Int("installed", installed).
			Int("points", table.Len()).
			Msg("Some trace points could not be installed")
	}
	s.report.Installed += installed

	return table, nil
}

// retire folds a process's hit counts into the report and drops its table. The
// address space the table described no longer exists.
func (s *session) retire(proc *process) {
	for line, hits := range proc.table.LineHits() {
		s.report.Hits[line] += hits
	}
	proc.table.Forget()
	proc.table = nil
}

func (s *session) addProcess(pid, parent int, table *tracepoint.Table) int {
	idx := len(s.procs)
	s.procs = append(s.procs, &process{
		pid:      pid,
		parent:   parent,
		children: make(map[int]struct{}),
		threads:  make(map[int]struct{}),
		table:    table,
		state:    procAttached,
	})
	s.byPID[pid] = idx
	s.report.Processes++
	return idx
}

func (s *session) procOf(tid int) *process {
	return s.procs[s.threads[tid].proc]
}

func (s *session) resume(tid int, sig syscall.Signal) error {
	return protocolError(tid, "continue", s.ctl.Continue(tid, sig))
}
