// Package version reports the build version and compares it with published releases
package version

// will be replaced with the release version when using goreleaser
var version = "development"

// Version returns the keybunker version
func Version() string {
	return version
}
