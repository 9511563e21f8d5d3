// Package version holds build information injected with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version.
	Version = "dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildDate is the build timestamp.
	BuildDate = "unknown"

	// GoVersion is the Go version used to build.
	GoVersion = runtime.Version()
)

// Platform returns the GOOS/GOARCH pair the binary targets.
func Platform() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

// String returns a one-line description of the build.
func String() string {
	return fmt.Sprintf("tracecov %s (commit %s, built %s, %s, %s)", Version, GitCommit, BuildDate, GoVersion, Platform())
}
