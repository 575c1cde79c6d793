// Package version exposes the server build version.
package version

// Version is stamped at build time via -ldflags; "dev" means a local
// build.
var Version = "dev"

// Get returns the version string.
func Get() string {
	return Version
}
