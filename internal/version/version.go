// Package version carries build metadata injected with -ldflags, e.g.
// -X sdexindexer/internal/version.Version=v1.2.0.
package version

var (
	// Version is reported by the health endpoint and the version command.
	Version = "dev"
	// Commit is the git commit hash.
	Commit = "unknown"
	// BuildDate is the build timestamp.
	BuildDate = "unknown"
)
