package version

import "fmt"

// These variables are set at build time via -ldflags
// Example: go build -ldflags "-X github.com/pysugar/exchange-sync/internal/version.Version=v0.3.0"
var (
	// Version is the semantic version of the application
	Version = "dev"

	// Commit is the git commit hash
	Commit = "none"

	// BuildTime is the timestamp of the build
	BuildTime = "unknown"
)

// UserAgent is sent on every request to the vendor API.
func UserAgent() string {
	return fmt.Sprintf("exchange-sync/%s (+commit %s)", Version, Commit)
}

// String is the one-line banner printed at startup.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}
