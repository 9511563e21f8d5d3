package tracer

import (
	"fmt"
	"syscall"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
)

// StopKind classifies a wait result.
type StopKind int

const (
	// StopExited means the thread exited normally.
	StopExited StopKind = iota + 1
	// StopSignalled means the thread was terminated by a signal.
	StopSignalled
	// StopSignal is a signal-delivery stop.
	StopSignal
	// StopEvent is a ptrace event stop (clone, fork, exec).
	StopEvent
)

// PtraceEvent identifies the event of a StopEvent.
type PtraceEvent int

const (
	EventNone PtraceEvent = iota
	EventClone
	EventFork
	EventVfork
	EventExec
	EventOther
)

func (e PtraceEvent) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventClone:
		return "clone"
	case EventFork:
		return "fork"
	case EventVfork:
		return "vfork"
	case EventExec:
		return "exec"
	default:
		return "other"
	}
}

// Stop is a decoded wait status for one thread.
type Stop struct {
	TID    int
	Kind   StopKind
	Code   int
	Signal syscall.Signal
	Event  PtraceEvent
}

func (s Stop) String() string {
	switch s.Kind {
	case StopExited:
		return fmt.Sprintf("tid %d exited with %d", s.TID, s.Code)
	case StopSignalled:
		return fmt.Sprintf("tid %d killed by %s", s.TID, s.Signal)
	case StopEvent:
		return fmt.Sprintf("tid %d %s event", s.TID, s.Event)
	default:
		return fmt.Sprintf("tid %d stopped by %s", s.TID, s.Signal)
	}
}

// Controller is the exclusive handle on one traced process tree. Apart from Kill
// and KillTree, every method must be called from the goroutine that spawned the
// tree while it is locked to its OS thread.
type Controller interface {
	// Root returns the pid of the spawned process.
	Root() int

	// Wait blocks until a traced thread changes state. A tid of -1 waits for any.
	Wait(tid int) (Stop, error)

	// Continue resumes a stopped thread, delivering sig unless it is zero.
	Continue(tid int, sig syscall.Signal) error

	// Step executes exactly one instruction of a stopped thread.
	Step(tid int) error

	PC(tid int) (uint64, error)
	SetPC(tid int, pc uint64) error

	// EventMsg returns the message of the last event stop (new tid or pid).
	EventMsg(tid int) (uint64, error)

	// ReadMemory and WriteMemory access the address space of a stopped thread.
	ReadMemory(tid int, addr uint64, buf []byte) error
	WriteMemory(tid int, addr uint64, data []byte) error

	// KillTree kills the process group and every descendant of the root.
	// It may be called from any goroutine.
	KillTree() error

	// Executable returns the path of the image a process is running.
	Executable(pid int) (string, error)

	// LoadBias returns the difference between runtime and link-time addresses
	// of img within the process.
	LoadBias(pid int, img *debuginfo.Image) (uint64, error)
}

// threadMemory adapts a controller to the memory of one stopped thread.
type threadMemory struct {
	ctl Controller
	tid int
}

func (m threadMemory) ReadMemory(addr uint64, buf []byte) error {
	return m.ctl.ReadMemory(m.tid, addr, buf)
}

func (m threadMemory) WriteMemory(addr uint64, data []byte) error {
	return m.ctl.WriteMemory(m.tid, addr, data)
}
