package tracer

import (
	"syscall"

	"github.com/coral-mesh/tracecov/internal/tracepoint"
)

// event is the result of classifying a Stop. Every stop maps to exactly one
// variant and dispatch handles each variant explicitly.
type event interface {
	thread() int
}

// Hit is a trap at a known trace point.
type Hit struct {
	TID   int
	Point *tracepoint.Point
}

// ForeignStop is any stop not caused by a trace point: a trap at an unknown
// address or a signal addressed to the tracee.
type ForeignStop struct {
	TID    int
	Signal syscall.Signal
	PC     uint64
}

// ThreadSpawn reports a new thread created by clone.
type ThreadSpawn struct {
	TID    int
	NewTID int
}

// ChildSpawn reports a new process created by fork or vfork.
type ChildSpawn struct {
	TID   int
	PID   int
	Vfork bool
}

// Exec reports that a process replaced its image.
type Exec struct {
	TID int
}

// Exited reports a thread that exited normally.
type Exited struct {
	TID  int
	Code int
}

// Signalled reports a thread terminated by a signal.
type Signalled struct {
	TID    int
	Signal syscall.Signal
}

func (e Hit) thread() int         { return e.TID }
func (e ForeignStop) thread() int { return e.TID }
func (e ThreadSpawn) thread() int { return e.TID }
func (e ChildSpawn) thread() int  { return e.TID }
func (e Exec) thread() int        { return e.TID }
func (e Exited) thread() int      { return e.TID }
func (e Signalled) thread() int   { return e.TID }
