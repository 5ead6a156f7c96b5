// Package version holds the build version, set with
// -ldflags "-X github.com/getpup/searchsync/pkg/version.Version=v1.2.3".
package version

// Version is the searchsync release.
var Version = "dev"
