package version

// Version and GitCommit are set by ldflags during build.
var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
)
