// Package version holds the build-time version string, set via ldflags.
package version

// Version is overwritten at build time, e.g. -ldflags "-X .../pkg/version.Version=1.4.0".
var Version = "dev"
