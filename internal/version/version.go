// Package version carries build information stamped in with
// -ldflags "-X github.com/banshee-data/motorscan/internal/version.Version=v1.2.3".
package version

import "fmt"

var (
	Version   = "dev"
	GitSHA    = "unknown"
	BuildTime = "unknown"
)

// String formats the build information on one line.
func String() string {
	return fmt.Sprintf("%s (git %s, built %s)", Version, GitSHA, BuildTime)
}
