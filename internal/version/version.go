package version

import "fmt"

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String returns a single-line banner suitable for startup logs.
func String() string {
	return fmt.Sprintf("gatesense %s (%s, built %s)", Version, GitSHA, BuildTime)
}
