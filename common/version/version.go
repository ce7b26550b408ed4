// Package version holds build metadata injected at link time via -ldflags.
package version

var (
	// Version is the semantic version or tag, e.g. "v0.3.1".
	Version = "dev"

	// GitCommit is the short commit hash the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the UTC build timestamp.
	BuildTime = "unknown"
)
