// Package buildinfo holds build-time variables injected via ldflags.
package buildinfo

import "fmt"

// Set with -ldflags "-X github.com/synthlabs/scrybe/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// String formats the build as "<version> (<commit>, built <date>)".
func String() string {
	return fmt.Sprintf("%s (%s, built %s)", Version, GitCommit, BuildDate)
}
