package tracer

import (
	"errors"
	"fmt"
	"syscall"
)

// AttachError reports that a binary could not be started under the trace facility.
type AttachError struct {
	Path string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to %s: %v", e.Path, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a trace facility failure while a session was running.
type ProtocolError struct {
	TID int
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s on tid %d: %v", e.Op, e.TID, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// vanished reports whether err means the thread no longer exists. Its exit is
// reported by a later wait.
func vanished(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}

func protocolError(tid int, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProtocolError{TID: tid, Op: op, Err: err}
}
