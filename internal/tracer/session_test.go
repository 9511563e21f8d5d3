package tracer

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
	"github.com/coral-mesh/tracecov/internal/testutil"
)

const rootPID = 100

func testImage() *debuginfo.Image {
	return debuginfo.NewImage("/bin/test", debuginfo.ArchAMD64, []*debuginfo.Line{
		{File: "/src/main.go", Line: 3, Addresses: []uint64{0x1000}},
		{File: "/src/main.go", Line: 4, Addresses: []uint64{0x1010}},
		{File: "/src/lib.go", Line: 7, Addresses: []uint64{0x2000}},
	})
}

func newTestController() *fakeController {
	ctl := newFakeController(rootPID)
	ctl.fill(rootPID, 0x1000, 0x55)
	ctl.fill(rootPID, 0x1010, 0x48)
	ctl.fill(rootPID, 0x2000, 0x90)
	return ctl
}

func trap(tid int, addr uint64) scripted {
	return scripted{stop: Stop{TID: tid, Kind: StopSignal, Signal: syscall.SIGTRAP}, pc: addr + 1}
}

func signal(tid int, sig syscall.Signal) scripted {
	return scripted{stop: Stop{TID: tid, Kind: StopSignal, Signal: sig}}
}

func exited(tid, code int) scripted {
	return scripted{stop: Stop{TID: tid, Kind: StopExited, Code: code}}
}

func ptraceEvent(tid int, ev PtraceEvent, msg uint64) scripted {
	return scripted{stop: Stop{TID: tid, Kind: StopEvent, Signal: syscall.SIGTRAP, Event: ev}, msg: msg}
}

func hitsByLine(report *Report) map[string]uint64 {
	out := make(map[string]uint64, len(report.Hits))
	for line, n := range report.Hits {
		out[line.String()] = n
	}
	return out
}

func runSession(t *testing.T, ctl *fakeController, opts Options) (*Report, error) {
	t.Helper()
	ctx := testutil.Context(t, 5*time.Second)
	return newSession(testutil.NewTestLogger(t), ctl, opts).run(ctx)
}

func TestSessionCountsHits(t *testing.T) {
	ctl := newTestController()
	ctl.push(
		trap(rootPID, 0x1000),
		trap(rootPID, 0x1000),
		trap(rootPID, 0x2000),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, Outcome{Kind: OutcomeExited}, report.Outcome)
	assert.Equal(t, map[string]uint64{
		"/src/main.go:3": 2,
		"/src/main.go:4": 0,
		"/src/lib.go:7":  1,
	}, hitsByLine(report))
	assert.Equal(t, 3, report.Installed)
	assert.Equal(t, 1, report.Processes)

	// Every hit rewinds to the trap address and steps once.
	assert.Equal(t, []uint64{0x1000, 0x1000, 0x2000}, ctl.setPCs)
	assert.Equal(t, []int{rootPID, rootPID, rootPID}, ctl.steps)
	// Traps are back in place after each step.
	assert.Equal(t, byte(0xcc), ctl.at(rootPID, 0x1000))
	assert.Equal(t, byte(0xcc), ctl.at(rootPID, 0x2000))
}

func TestSessionOnceMode(t *testing.T) {
	ctl := newTestController()
	ctl.push(trap(rootPID, 0x1000), exited(rootPID, 0))

	report, err := runSession(t, ctl, Options{Image: testImage(), Mode: ModeOnce})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:3"])
	assert.Empty(t, ctl.steps, "once mode never single-steps")
	assert.Equal(t, byte(0x55), ctl.at(rootPID, 0x1000), "original instruction stays restored")
	assert.Equal(t, byte(0xcc), ctl.at(rootPID, 0x1010))
}

func TestSessionNonZeroExitPropagates(t *testing.T) {
	ctl := newTestController()
	ctl.push(trap(rootPID, 0x1010), exited(rootPID, 3))

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, OutcomeExited, report.Outcome.Kind)
	assert.Equal(t, 3, report.Outcome.ExitCode)
	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:4"])
}

func TestSessionSignalledRoot(t *testing.T) {
	ctl := newTestController()
	ctl.push(scripted{stop: Stop{TID: rootPID, Kind: StopSignalled, Signal: syscall.SIGSEGV}})

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, Outcome{Kind: OutcomeSignalled, Signal: syscall.SIGSEGV}, report.Outcome)
	assert.Len(t, report.Hits, 3)
}

func TestSessionForeignStops(t *testing.T) {
	ctl := newTestController()
	ctl.push(
		trap(rootPID, 0x3000),
		signal(rootPID, syscall.SIGUSR1),
		signal(rootPID, syscall.SIGSTOP),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, 3, report.ForeignStops)
	assert.Equal(t, []resumeCall{
		{tid: rootPID, sig: 0},
		{tid: rootPID, sig: 0},
		{tid: rootPID, sig: syscall.SIGUSR1},
		{tid: rootPID, sig: 0},
	}, ctl.resumes)
	assert.Empty(t, ctl.setPCs, "foreign traps resume unmodified")
}

func TestSessionFollowsThreads(t *testing.T) {
	ctl := newTestController()
	ctl.tidPID[101] = rootPID
	ctl.push(
		ptraceEvent(rootPID, EventClone, 101),
		signal(101, syscall.SIGSTOP),
		trap(101, 0x1010),
		trap(rootPID, 0x1010),
		exited(101, 0),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Threads)
	assert.Equal(t, 1, report.Processes)
	assert.Equal(t, uint64(2), hitsByLine(report)["/src/main.go:4"])
	assert.Contains(t, ctl.resumes, resumeCall{tid: 101, sig: 0})
	assert.Zero(t, report.ForeignStops, "initial stop of a new thread is not foreign")
}

func TestSessionThreadStopBeforeCloneEvent(t *testing.T) {
	ctl := newTestController()
	ctl.tidPID[101] = rootPID
	ctl.push(
		signal(101, syscall.SIGSTOP),
		ptraceEvent(rootPID, EventClone, 101),
		exited(101, 0),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Threads)
	assert.Equal(t, []resumeCall{
		{tid: rootPID, sig: 0},
		{tid: 101, sig: 0},
		{tid: rootPID, sig: 0},
	}, ctl.resumes)
}

func TestSessionFollowsForkAndSumsHits(t *testing.T) {
	const childPID = 200
	ctl := newTestController()
	ctl.push(
		ptraceEvent(rootPID, EventFork, childPID),
		signal(childPID, syscall.SIGSTOP),
		trap(childPID, 0x1000),
		exited(childPID, 0),
		trap(rootPID, 0x1000),
		exited(rootPID, 1),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processes)
	assert.Equal(t, uint64(2), hitsByLine(report)["/src/main.go:3"])
	assert.Equal(t, 1, report.Outcome.ExitCode)
	// The child's restore and reinstall touched only its own memory copy.
	assert.Equal(t, byte(0xcc), ctl.at(childPID, 0x1000))
	assert.Equal(t, byte(0xcc), ctl.at(rootPID, 0x1000))
}

func TestSessionExecResolvesNewImage(t *testing.T) {
	const childPID = 200
	other := debuginfo.NewImage("/bin/helper", debuginfo.ArchAMD64, []*debuginfo.Line{
		{File: "/src/helper/main.go", Line: 1, Addresses: []uint64{0x5000}},
	})

	ctl := newTestController()
	ctl.exes[childPID] = "/bin/helper"
	ctl.push(
		ptraceEvent(rootPID, EventVfork, childPID),
		signal(childPID, syscall.SIGSTOP),
		trap(childPID, 0x2000),
		ptraceEvent(childPID, EventExec, 0),
	)
	ctl.memory[childPID] = map[uint64]byte{}
	ctl.push(
		trap(childPID, 0x5000),
		exited(childPID, 0),
		exited(rootPID, 0),
	)

	opts := Options{Image: testImage(), Resolver: fakeResolver{"/bin/helper": other}}

	// The exec'd image lives in fresh memory.
	ctl.fill(childPID, 0x5000, 0x90)
	// The vfork child starts from the parent's installed traps.
	for addr, b := range map[uint64]byte{0x1000: 0xcc, 0x1010: 0xcc, 0x2000: 0xcc} {
		ctl.fill(childPID, addr, b)
	}

	report, err := runSession(t, ctl, opts)
	require.NoError(t, err)

	hits := hitsByLine(report)
	assert.Equal(t, uint64(1), hits["/src/lib.go:7"], "hits before exec are kept")
	assert.Equal(t, uint64(1), hits["/src/helper/main.go:1"])
	assert.Equal(t, uint64(0), hits["/src/main.go:3"])
	assert.Equal(t, 4, report.Installed)
}

func TestSessionExecWithoutDebugInfo(t *testing.T) {
	const childPID = 200
	ctl := newTestController()
	ctl.exes[childPID] = "/bin/sh"
	ctl.push(
		ptraceEvent(rootPID, EventFork, childPID),
		signal(childPID, syscall.SIGSTOP),
		ptraceEvent(childPID, EventExec, 0),
		trap(childPID, 0x1000),
		exited(childPID, 0),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage(), Resolver: fakeResolver{}})
	require.NoError(t, err)

	// The untraced image's trap is foreign; the parent table is untouched.
	assert.Equal(t, 1, report.ForeignStops)
	assert.Equal(t, uint64(0), hitsByLine(report)["/src/main.go:3"])
}

func TestSessionStepHoldsBackSignals(t *testing.T) {
	ctl := newTestController()
	ctl.stepResults[rootPID] = []scripted{
		signal(rootPID, syscall.SIGURG),
		signal(rootPID, syscall.SIGTRAP),
	}
	ctl.push(trap(rootPID, 0x1000), exited(rootPID, 0))

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:3"])
	assert.Len(t, ctl.steps, 2)
	assert.Contains(t, ctl.resumes, resumeCall{tid: rootPID, sig: syscall.SIGURG})
	assert.Equal(t, byte(0xcc), ctl.at(rootPID, 0x1000))
}

func TestSessionStepOverClone(t *testing.T) {
	ctl := newTestController()
	ctl.tidPID[101] = rootPID
	ctl.stepResults[rootPID] = []scripted{
		ptraceEvent(rootPID, EventClone, 101),
		signal(rootPID, syscall.SIGTRAP),
	}
	ctl.push(
		trap(rootPID, 0x1000),
		signal(101, syscall.SIGSTOP),
		exited(101, 0),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Threads)
	assert.Len(t, ctl.steps, 2)
	assert.Contains(t, ctl.resumes, resumeCall{tid: 101, sig: 0})
}

func TestSessionExitDuringStep(t *testing.T) {
	ctl := newTestController()
	ctl.stepResults[rootPID] = []scripted{exited(rootPID, 0)}
	ctl.push(trap(rootPID, 0x1000))

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)

	assert.Equal(t, Outcome{Kind: OutcomeExited}, report.Outcome)
	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:3"])
}

func TestSessionRelocatesPIE(t *testing.T) {
	const bias = 0x5555_0000_0000
	img := debuginfo.NewImage("/bin/pie", debuginfo.ArchAMD64, []*debuginfo.Line{
		{File: "/src/main.go", Line: 3, Addresses: []uint64{0x1000}},
	})
	img.PIE = true

	ctl := newFakeController(rootPID)
	ctl.biases[rootPID] = bias
	ctl.fill(rootPID, 0x1000+bias, 0x55)
	ctl.push(trap(rootPID, 0x1000+bias), exited(rootPID, 0))

	report, err := runSession(t, ctl, Options{Image: img})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:3"])
	assert.Equal(t, []uint64{0x1000 + bias}, ctl.setPCs)
}

func TestSessionVanishedThreadIsNotFatal(t *testing.T) {
	ctl := newTestController()
	ctl.tidPID[101] = rootPID
	ctl.errs["continue/101"] = syscall.ESRCH
	ctl.push(
		ptraceEvent(rootPID, EventClone, 101),
		signal(101, syscall.SIGSTOP),
		exited(101, 0),
		exited(rootPID, 0),
	)

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeExited, report.Outcome.Kind)
}

func TestSessionProtocolErrorReleasesTree(t *testing.T) {
	ctl := newTestController()
	ctl.errs["step"] = syscall.EIO
	ctl.push(trap(rootPID, 0x1000), exited(rootPID, 0))

	report, err := runSession(t, ctl, Options{Image: testImage()})
	require.Error(t, err)

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "single-step", perr.Op)
	assert.Equal(t, rootPID, perr.TID)
	assert.Equal(t, 1, ctl.kills())
	// Hits recorded before the failure are kept.
	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:3"])
}

func TestSessionFailureOutcome(t *testing.T) {
	const childPID = 200
	tests := []struct {
		name  string
		setup func(ctl *fakeController)
		want  Outcome
	}{
		{
			name: "root fails to start",
			setup: func(ctl *fakeController) {
				ctl.errs[fmt.Sprintf("continue/%d", rootPID)] = syscall.EPERM
			},
			want: Outcome{Kind: OutcomeAborted, Signal: syscall.SIGKILL},
		},
		{
			name: "root still running",
			setup: func(ctl *fakeController) {
				ctl.errs["step"] = syscall.EIO
				ctl.push(trap(rootPID, 0x1000), exited(rootPID, 0))
			},
			want: Outcome{Kind: OutcomeAborted, Signal: syscall.SIGKILL},
		},
		{
			name: "root exited before the failure",
			setup: func(ctl *fakeController) {
				ctl.errs["step"] = syscall.EIO
				ctl.push(
					ptraceEvent(rootPID, EventFork, childPID),
					signal(childPID, syscall.SIGSTOP),
					exited(rootPID, 3),
					trap(childPID, 0x1000),
				)
			},
			want: Outcome{Kind: OutcomeExited, ExitCode: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl := newTestController()
			tt.setup(ctl)

			report, err := runSession(t, ctl, Options{Image: testImage()})
			require.Error(t, err)
			require.NotNil(t, report)
			assert.Equal(t, tt.want, report.Outcome)
			assert.Equal(t, 1, ctl.kills())
		})
	}
}

func TestSessionTimeoutKillsTree(t *testing.T) {
	ctl := newTestController()
	ctl.blockOnEmpty = true
	ctl.push(trap(rootPID, 0x1000))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	report, err := newSession(testutil.NewTestLogger(t), ctl, Options{Image: testImage()}).run(ctx)
	require.NoError(t, err)

	assert.Equal(t, OutcomeTimeout, report.Outcome.Kind)
	assert.Equal(t, 1, ctl.kills())
	assert.Equal(t, uint64(1), hitsByLine(report)["/src/main.go:3"], "partial coverage is kept")
}

func TestSessionCancelled(t *testing.T) {
	ctl := newTestController()
	ctl.blockOnEmpty = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newSession(testutil.NewTestLogger(t), ctl, Options{Image: testImage()}).run(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, report.Outcome.Kind)
}

func TestSessionWithoutImage(t *testing.T) {
	ctl := newTestController()
	ctl.push(trap(rootPID, 0x1000), exited(rootPID, 5))

	report, err := runSession(t, ctl, Options{})
	require.NoError(t, err)

	assert.Empty(t, report.Hits)
	assert.Equal(t, 5, report.Outcome.ExitCode)
	assert.Equal(t, 1, report.ForeignStops)
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("count")
	require.NoError(t, err)
	assert.Equal(t, ModeCount, mode)

	mode, err = ParseMode("once")
	require.NoError(t, err)
	assert.Equal(t, ModeOnce, mode)

	mode, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeCount, mode)

	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestStopString(t *testing.T) {
	assert.Equal(t, "tid 7 exited with 2", Stop{TID: 7, Kind: StopExited, Code: 2}.String())
	assert.Equal(t, "tid 7 clone event", Stop{TID: 7, Kind: StopEvent, Event: EventClone}.String())
}
