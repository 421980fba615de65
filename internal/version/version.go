// Package version provides build-time version information for abrplay.
//
// Version, Commit, and Date are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/abrplay/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/abrplay/internal/version.Commit=$(git rev-parse HEAD) \
//	                   -X github.com/jmylchreest/abrplay/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version following SemVer 2.0.0.
	Version = "dev"

	// Commit is the full git commit SHA.
	Commit = "unknown"

	// Date is the build timestamp in RFC3339 format.
	Date = "unknown"
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "abrplay"

// Info contains structured version information.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	CommitSHA string `json:"commit_sha,omitempty"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
}

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// GetInfo returns the build metadata. Binaries built with plain `go build`
// or `go install` have no ldflags; their VCS stamp fills the gaps.
func GetInfo() Info {
	info := Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
	if bi, ok := readBuildInfo(); ok {
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.Commit == "unknown":
				info.Commit = s.Value
			case s.Key == "vcs.time" && info.Date == "unknown":
				info.Date = s.Value
			}
		}
	}
	info.CommitSHA = shortSHA(info.Commit)
	return info
}

func shortSHA(commit string) string {
	if commit == "unknown" || len(commit) < 8 {
		return ""
	}
	return commit[:8]
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	if info.CommitSHA != "" {
		return fmt.Sprintf("%s version %s (commit: %s, built: %s, %s, %s/%s)",
			ApplicationName, info.Version, info.CommitSHA, info.Date, info.GoVersion, info.OS, info.Arch)
	}
	return fmt.Sprintf("%s version %s (%s, %s/%s)", ApplicationName, info.Version, info.GoVersion, info.OS, info.Arch)
}

// Short returns a short version string suitable for CLI --version output.
// Cobra prefixes the command name itself.
func Short() string {
	info := GetInfo()
	if info.CommitSHA != "" {
		return fmt.Sprintf("%s (%s)", info.Version, info.CommitSHA)
	}
	return info.Version
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, GetInfo().Version)
}

// JSON returns the version information as a JSON document.
func JSON() string {
	data, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
