package version

// will be replaced with the release version when using goreleaser
var version = "development"

// RelayVersion returns the sockrelay version
func RelayVersion() string {
	return version
}
