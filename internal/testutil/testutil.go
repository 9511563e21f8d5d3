// Package testutil holds helpers shared by tracecov's tests.
package testutil

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Context returns a context cancelled after timeout or when the test ends.
func Context(t testing.TB, timeout time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// NewTestLogger returns a silent logger, or one writing trace-level events
// through t.Log when TRACECOV_TEST_LOG is set.
func NewTestLogger(t testing.TB) zerolog.Logger {
	if os.Getenv("TRACECOV_TEST_LOG") == "" {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: tbWriter{t}, NoColor: true}).
		Level(zerolog.TraceLevel).With().Timestamp().Logger()
}

type tbWriter struct{ t testing.TB }

func (w tbWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

var _ io.Writer = tbWriter{}
