package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	SchemeWS  = "ws"
	SchemeWSS = "wss"
)

// getInstanceURL checks if user supplied a URL scheme otherwise adds to the
// provided address according to TLS definition and parses the address before returning it
func getInstanceURL(exposedAddress string, tlsSupported bool) (string, error) {
	addr := exposedAddress
	split := strings.Split(exposedAddress, "://")
	switch {
	case len(split) == 1 && tlsSupported:
		addr = SchemeWSS + "://" + exposedAddress
	case len(split) == 1 && !tlsSupported:
		addr = SchemeWS + "://" + exposedAddress
	case len(split) > 2:
		return "", fmt.Errorf("invalid exposed address: %s", exposedAddress)
	}

	parsedURL, err := url.ParseRequestURI(addr)
	if err != nil {
		return "", fmt.Errorf("invalid exposed address: %v", err)
	}

	if parsedURL.Scheme != SchemeWS && parsedURL.Scheme != SchemeWSS {
		return "", fmt.Errorf("invalid scheme: %s", parsedURL.Scheme)
	}

	return parsedURL.String(), nil
}

// LocalURL turns a listen address into a URL reachable from the same host
func LocalURL(address string, tlsSupported bool) (string, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "", err
	}

	ip := net.ParseIP(host)
	if host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return getInstanceURL(net.JoinHostPort(host, port), tlsSupported)
}
