// Package tracer runs a test binary under ptrace and counts how often each
// trace point executes, following threads, forked children and exec'd images.
//
// One session owns one process tree. All ptrace requests of a session are
// issued from a single OS thread, so Trace locks the calling goroutine to its
// thread for the duration of the run. Several sessions may run concurrently
// from different goroutines; waits are restricted to the calling thread's own
// tracees, so sessions never see each other's events.
package tracer

import (
	"context"
	"errors"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

// ErrUnsupported is returned on platforms without a supported trace facility.
var ErrUnsupported = errors.New("process tracing is not supported on " + runtime.GOOS + "/" + runtime.GOARCH)

// Target describes the process to spawn.
type Target struct {
	Path string
	Args []string
	Dir  string
	Env  []string

	// Nil streams are connected to the null device.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// spawned is a controller owning a freshly started process tree.
type spawned interface {
	Controller
	release()
}

// Trace spawns target under the trace facility and drives it to completion.
// Cancelling ctx (for instance through a deadline) kills the whole tree and
// reports OutcomeTimeout or OutcomeCancelled with the coverage gathered so far.
func Trace(ctx context.Context, logger zerolog.Logger, target Target, opts Options) (*Report, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctl, err := spawn(target)
	if err != nil {
		return nil, err
	}
	defer ctl.release()

	logger.Debug().
		Str("binary", target.Path).
		Int("pid", ctl.Root()).
		Strs("args", target.Args).
		Msg("Spawned traced process")

	return newSession(logger, ctl, opts).run(ctx)
}
