package runner

import (
	"errors"
	"fmt"
)

// ErrNoCoverage is returned when the run ends without a single coverable line.
var ErrNoCoverage = errors.New("no coverage collected")

// ErrorKind classifies a per-binary failure.
type ErrorKind int

const (
	// KindDebugInfo: the binary has no usable line table and was not traced.
	KindDebugInfo ErrorKind = iota + 1
	// KindAttach: the binary could not be started under the trace facility.
	KindAttach
	// KindTimeout: the binary was killed after the timeout. Coverage so far is kept.
	KindTimeout
	// KindSignalled: the binary was killed by a signal. Coverage so far is kept.
	KindSignalled
	// KindProtocol: the trace session failed mid-run. Coverage so far is kept.
	KindProtocol
)

func (k ErrorKind) String() string {
	switch k {
	case KindDebugInfo:
		return "debug info"
	case KindAttach:
		return "attach"
	case KindTimeout:
		return "timeout"
	case KindSignalled:
		return "signalled"
	case KindProtocol:
		return "trace protocol"
	default:
		return "unknown"
	}
}

// BinaryError is an issue with one binary. Other binaries are unaffected.
type BinaryError struct {
	Binary string
	Kind   ErrorKind
	Err    error
	// Hint suggests a fix, when one is known.
	Hint string
}

func (e *BinaryError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Binary, e.Kind, e.Err)
}

func (e *BinaryError) Unwrap() error {
	return e.Err
}
