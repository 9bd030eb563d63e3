// Package version holds build metadata injected via ldflags.
package version

import "fmt"

var (
	// Version is the semantic version, set at build time.
	Version = "0.1.0"
	// Commit is the git commit hash, set at build time.
	Commit = "unknown"
	// Date is the build date, set at build time.
	Date = "unknown"
)

// Short returns the bare version string.
func Short() string {
	return Version
}

// Info returns a human-readable version line.
func Info() string {
	return fmt.Sprintf("netpilot %s (commit %s, built %s)", Version, Commit, Date)
}
