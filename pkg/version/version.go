// Package version holds the symbolic version of the running code.
package version

// Version is set at build time with -ldflags "-X ...version.Version=...".
var Version = "v0.0.0-dev"
