package server

import (
	"testing"
)

func TestGetInstanceURL(t *testing.T) {
	tests := []struct {
		name           string
		exposedAddress string
		tlsSupported   bool
		expectedURL    string
		expectError    bool
	}{
		{"Valid address with TLS", "example.com", true, "wss://example.com", false},
		{"Valid address without TLS", "example.com", false, "ws://example.com", false},
		{"Valid address with ws scheme", "ws://example.com", false, "ws://example.com", false},
		{"Valid address with wss scheme", "wss://example.com", true, "wss://example.com", false},
		{"Valid address with port", "example.com:8080", false, "ws://example.com:8080", false},
		{"Invalid scheme", "http://example.com", false, "", true},
		{"Invalid address format", "ws://example.com://", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := getInstanceURL(tt.exposedAddress, tt.tlsSupported)
			if (err != nil) != tt.expectError {
				t.Errorf("expected error: %v, got: %v", tt.expectError, err)
			}
			if url != tt.expectedURL {
				t.Errorf("expected URL: %s, got: %s", tt.expectedURL, url)
			}
		})
	}
}

func TestLocalURL(t *testing.T) {
	tests := []struct {
		name        string
		address     string
		tls         bool
		expectedURL string
		expectError bool
	}{
		{"Unspecified IPv4", "0.0.0.0:8080", false, "ws://127.0.0.1:8080", false},
		{"Empty host", ":8080", false, "ws://127.0.0.1:8080", false},
		{"Unspecified IPv6", "[::]:8443", true, "wss://127.0.0.1:8443", false},
		{"Concrete host", "10.0.0.5:80", false, "ws://10.0.0.5:80", false},
		{"Missing port", "example.com", false, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, err := LocalURL(tt.address, tt.tls)
			if (err != nil) != tt.expectError {
				t.Errorf("expected error: %v, got: %v", tt.expectError, err)
			}
			if url != tt.expectedURL {
				t.Errorf("expected URL: %s, got: %s", tt.expectedURL, url)
			}
		})
	}
}
