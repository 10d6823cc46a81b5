// Package version provides version information for the application.
// Values are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/hrygo/mnemos/internal/version.Version=x.y.z \
//	  -X github.com/hrygo/mnemos/internal/version.GitCommit=abc1234"
package version

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

var (
	// Version is the service current released version.
	Version = "0.9.0"
	// DevVersion is the service current development version.
	DevVersion = "0.9.0"
	// GitCommit is the git commit hash, injected at build time.
	GitCommit = "unknown"
	// BuildTime is the build timestamp, injected at build time.
	BuildTime = "unknown"
)

func GetCurrentVersion(mode string) string {
	if mode == "prod" {
		return Version
	}
	return DevVersion
}

// GetBuildInfo returns a human readable version string with build metadata.
func GetBuildInfo(mode string) string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", GetCurrentVersion(mode), GitCommit, BuildTime)
}

func GetMinorVersion(version string) string {
	versionList := strings.Split(version, ".")
	if len(versionList) < 2 {
		return version
	}
	return strings.Join(versionList[:2], ".")
}

// IsVersionGreaterOrEqualThan returns true if version is greater than or equal to target.
func IsVersionGreaterOrEqualThan(version, target string) bool {
	return semver.Compare(normalize(version), normalize(target)) >= 0
}

func IsVersionGreaterThan(version, target string) bool {
	return semver.Compare(normalize(version), normalize(target)) > 0
}

func normalize(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
