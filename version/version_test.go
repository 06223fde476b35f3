package version

import "testing"

func TestRelayVersion(t *testing.T) {
	if RelayVersion() == "" {
		t.Fatal("version must not be empty")
	}
}
