// Package version carries build metadata set with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/banshee-data/sensorfusion/internal/version.Version=v0.1.0" ./cmd/fusion
package version

import "fmt"

var (
	// Version is the release tag of the fusion binary
	Version = "dev"
	// GitSHA is the commit the binary was built from
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for `fusion version`.
func String() string {
	return fmt.Sprintf("fusion %s (%s, built %s)", Version, GitSHA, BuildTime)
}
