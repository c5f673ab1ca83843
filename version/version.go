// Package version provides the build information of gpuprof.
package version

import "runtime"

var (
	// Package is filled at linking time
	Package = "github.com/leptonai/gpuprof"

	// Version holds the complete version number. Filled in at linking time.
	Version = "0.0.1+unknown"

	// Revision is the VCS revision, filled in at linking time.
	Revision = ""

	// BuildTimestamp is the build timestamp.
	BuildTimestamp = ""

	// GoVersion is Go tree's version.
	GoVersion = runtime.Version()
)
