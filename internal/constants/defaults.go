// Package constants holds tracecov's names, exit codes and defaults.
package constants

import "time"

// Timeouts - Default timeout values.
const (
	// DefaultTestTimeout is the wall-clock limit for one traced test binary.
	DefaultTestTimeout = 60 * time.Second

	// DefaultStoreTimeout is the default timeout for coverage cache reads and writes.
	DefaultStoreTimeout = 30 * time.Second
)

// Tracing - Default trace settings.
const (
	// DefaultTraceMode re-installs a trap after every hit so that lines are counted.
	DefaultTraceMode = "count"

	// DefaultMergePolicy sums hit counts of the same line across binaries and runs.
	DefaultMergePolicy = "sum"

	// DefaultJobs is the number of test binaries traced concurrently.
	DefaultJobs = 1

	// MaxDrainWaits bounds the number of wait results reaped after a tree is killed.
	MaxDrainWaits = 4096
)

// Debug Info - Default resolver settings.
const (
	// DefaultMaxCachedImages is the default number of resolved images kept in memory.
	DefaultMaxCachedImages = 32

	// DefaultDebugFileDir is the system-wide directory for separate debug files.
	DefaultDebugFileDir = "/usr/lib/debug"
)

// Exit codes reported for abnormal outcomes.
const (
	// ExitCodeTimeout is reported for a timed-out binary when timeouts count as failures.
	ExitCodeTimeout = 124

	// ExitCodeSignalBase is added to the terminating signal number.
	ExitCodeSignalBase = 128

	// ExitCodeNoCoverage is returned by the CLI when no coverage could be collected.
	ExitCodeNoCoverage = 2
)
