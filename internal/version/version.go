// Package version carries build-time identification of the binary.
// Set via ldflags in release builds:
// go build -ldflags "-X github.com/ubershmekel/jenkins/internal/version.Version=v1.2.0".
package version

var Version = "dev"

// Additional build metadata.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// String renders the version plus commit when one is known.
func String() string {
	if GitCommit == "unknown" {
		return Version
	}
	return Version + " (" + GitCommit + ")"
}
