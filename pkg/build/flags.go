// SPDX-License-Identifier: MIT
//
// Package build carries metadata embedded at link time:
//
//	go build -ldflags "-X audiorouter/pkg/build.buildName=audiorouter \
//	    -X audiorouter/pkg/build.buildTime=$(date -u +%FT%TZ) \
//	    -X audiorouter/pkg/build.buildCommit=$(git rev-parse --short HEAD) \
//	    -X audiorouter/pkg/build.buildVersion=v0.1.0"
//
// Development builds without ldflags report "dev" metadata.
package build

import "fmt"

// Description is the one-line summary shown by the CLI.
const Description = "Route an aggregate device's capture channels to one of its playback members"

// Info is the build metadata of the running binary.
type Info struct {
	Name    string
	Time    string
	Commit  string
	Version string
}

// String formats the metadata for --version output.
func (i Info) String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", i.Version, i.Commit, i.Time)
}

// Populated by -ldflags during compilation.
var (
	buildName    string
	buildTime    string
	buildCommit  string
	buildVersion string
	buildInfo    = &Info{
		Name:    "audiorouter",
		Time:    "unknown",
		Commit:  "unknown",
		Version: "dev",
	}
)

// Initialize validates and copies the ldflags variables into the build info.
// It returns an error naming the first missing flag; the development
// defaults stay in place in that case.
func Initialize() error {
	if buildName == "" {
		return fmt.Errorf("BuildName is required")
	}
	if buildTime == "" {
		return fmt.Errorf("BuildTime is required")
	}
	if buildCommit == "" {
		return fmt.Errorf("BuildCommit is required")
	}
	if buildVersion == "" {
		return fmt.Errorf("BuildVersion is required")
	}

	buildInfo.Name = buildName
	buildInfo.Time = buildTime
	buildInfo.Commit = buildCommit
	buildInfo.Version = buildVersion

	return nil
}

// GetInfo returns the current build information.
func GetInfo() *Info {
	return buildInfo
}
