//go:build linux && (amd64 || arm64)

package tracer

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/coral-mesh/tracecov/internal/debuginfo"
	"github.com/coral-mesh/tracecov/internal/sys/proc"
)

const ptraceOptions = unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_EXITKILL

// ptraceController implements Controller with ptrace(2).
type ptraceController struct {
	root int
	cmd  *exec.Cmd
}

// spawn starts the target stopped at its first instruction with tracing options
// set. The calling goroutine must be locked to its OS thread and stays the
// tracer of the whole tree.
func spawn(target Target) (spawned, error) {
	// #nosec G204 -- running the binary under test is the purpose of the tracer
	cmd := exec.Command(target.Path, target.Args...)
	cmd.Dir = target.Dir
	cmd.Env = target.Env
	// Unset streams stay nil so the child gets the null device.
	if target.Stdin != nil {
		cmd.Stdin = target.Stdin
	}
	if target.Stdout != nil {
		cmd.Stdout = target.Stdout
	}
	if target.Stderr != nil {
		cmd.Stderr = target.Stderr
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Ptrace:  true,
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, &AttachError{Path: target.Path, Err: err}
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := wait4(pid, &ws, unix.WALL); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		return nil, &AttachError{Path: target.Path, Err: fmt.Errorf("wait for initial stop: %w", err)}
	}
	if !ws.Stopped() || ws.StopSignal() != unix.SIGTRAP {
		_ = unix.Kill(pid, unix.SIGKILL)
		_, _ = wait4(pid, &ws, unix.WALL)
		return nil, &AttachError{Path: target.Path, Err: fmt.Errorf("unexpected initial status %#x", uint32(ws))}
	}

	if err := unix.PtraceSetOptions(pid, ptraceOptions); err != nil {
		_ = unix.Kill(pid, unix.SIGKILL)
		_, _ = wait4(pid, &ws, unix.WALL)
		return nil, &AttachError{Path: target.Path, Err: fmt.Errorf("set trace options: %w", err)}
	}

	return &ptraceController{root: pid, cmd: cmd}, nil
}

func wait4(pid int, ws *unix.WaitStatus, options int) (int, error) {
	for {
		wpid, err := unix.Wait4(pid, ws, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return wpid, err
	}
}

func (c *ptraceController) Root() int {
	return c.root
}

func (c *ptraceController) Wait(tid int) (Stop, error) {
	var ws unix.WaitStatus
	wpid, err := wait4(tid, &ws, unix.WALL|unix.WNOTHREAD)
	if err != nil {
		return Stop{}, err
	}
	return decodeStatus(wpid, ws), nil
}

func decodeStatus(tid int, ws unix.WaitStatus) Stop {
	switch {
	case ws.Exited():
		return Stop{TID: tid, Kind: StopExited, Code: ws.ExitStatus()}
	case ws.Signaled():
		return Stop{TID: tid, Kind: StopSignalled, Signal: ws.Signal()}
	}

	sig := ws.StopSignal()
	if sig == unix.SIGTRAP {
		if cause := ws.TrapCause(); cause > 0 {
			return Stop{TID: tid, Kind: StopEvent, Signal: sig, Event: eventFromCause(cause)}
		}
	}
	return Stop{TID: tid, Kind: StopSignal, Signal: sig}
}

func eventFromCause(cause int) PtraceEvent {
	switch cause {
	case unix.PTRACE_EVENT_CLONE:
		return EventClone
	case unix.PTRACE_EVENT_FORK:
		return EventFork
	case unix.PTRACE_EVENT_VFORK:
		return EventVfork
	case unix.PTRACE_EVENT_EXEC:
		return EventExec
	default:
		return EventOther
	}
}

func (c *ptraceController) Continue(tid int, sig syscall.Signal) error {
	return unix.PtraceCont(tid, int(sig))
}

func (c *ptraceController) Step(tid int) error {
	return unix.PtraceSingleStep(tid)
}

func (c *ptraceController) EventMsg(tid int) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(tid)
	return uint64(msg), err
}

func (c *ptraceController) ReadMemory(tid int, addr uint64, buf []byte) error {
	n, err := unix.PtracePeekData(tid, uintptr(addr), buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short read at %#x: %d of %d bytes", addr, n, len(buf))
	}
	return nil
}

func (c *ptraceController) WriteMemory(tid int, addr uint64, data []byte) error {
	n, err := unix.PtracePokeData(tid, uintptr(addr), data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", addr, n, len(data))
	}
	return nil
}

func (c *ptraceController) KillTree() error {
	// Descendants are collected first; killing the group would orphan them.
	descendants := proc.Descendants(c.root)

	var errs []error
	if err := unix.Kill(-c.root, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		errs = append(errs, fmt.Errorf("kill process group %d: %w", c.root, err))
	}
	for _, pid := range descendants {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

func (c *ptraceController) Executable(pid int) (string, error) {
	return proc.GetBinaryPath(pid)
}

func (c *ptraceController) LoadBias(pid int, img *debuginfo.Image) (uint64, error) {
	path, err := proc.GetBinaryPath(pid)
	if err != nil {
		path = img.Path
	}
	return proc.LoadBias(pid, path, img.FirstLoadVaddr)
}

// release drops the os.Process handle. The process has already been reaped by
// the session.
func (c *ptraceController) release() {
	_ = c.cmd.Process.Release()
}
