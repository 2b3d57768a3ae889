// Package version reports the build version of the dpi binary.
//
// Release builds set the variables with ldflags:
//
//	go build -ldflags "-X github.com/InfraSecConsult/dpi-core-go/internal/version.Version=v1.0.0" ./cmd/dpi
//
// Without ldflags the version comes from a VERSION file next to the working
// directory, then from the module build info, and finally defaults to "dev".
package version

import (
	"os"
	"runtime/debug"
	"strings"
)

// Set at build time via ldflags.
var (
	Version    = ""
	CommitHash = ""
	BuildTime  = ""
)

var versionFiles = []string{"VERSION", "../VERSION", "../../VERSION"}

// readBuildInfo is replaced in tests.
var readBuildInfo = debug.ReadBuildInfo

// GetVersion returns the first of: the ldflags version, a VERSION file,
// the main module version recorded by the toolchain, "dev".
func GetVersion() string {
	if Version != "" {
		return Version
	}
	for _, path := range versionFiles {
		if content, err := os.ReadFile(path); err == nil {
			if v := strings.TrimSpace(string(content)); v != "" {
				return v
			}
		}
	}
	if info, ok := readBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}

// commit prefers the ldflags hash and falls back to the VCS stamp.
func commit() string {
	if CommitHash != "" {
		return CommitHash
	}
	info, ok := readBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}

// GetFullVersion returns the version with the short commit hash appended.
func GetFullVersion() string {
	v := GetVersion()
	if c := commit(); c != "" {
		v += "+" + c
	}
	return v
}

func GetBuildInfo() map[string]string {
	return map[string]string{
		"version":    GetVersion(),
		"commitHash": commit(),
		"buildTime":  BuildTime,
	}
}
