package client

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/netbirdio/sockrelay/relay/messages"
)

var ErrInvalidOptions = errors.New("invalid client options")

// Options describes the resource a client asks the relay for
type Options struct {
	// RelayURL is the ws:// or wss:// address of the relay
	RelayURL string
	Kind     messages.ResourceKind
	// Host and Port are the remote endpoint of the socket kinds. For an attach, Port is the port of the virtual
	// server and ClientID the id announced in its connection event.
	Host     string
	Port     int
	ClientID uint64
}

// Validate checks the options locally, without a round trip to the relay
func (o Options) Validate() error {
	if o.RelayURL == "" {
		return fmt.Errorf("%w: relay url is required", ErrInvalidOptions)
	}
	u, err := url.Parse(o.RelayURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: unsupported relay url scheme: %q", ErrInvalidOptions, u.Scheme)
	}

	switch o.Kind {
	case messages.KindUDPSocket, messages.KindTCPSocket:
		if o.Host == "" {
			return fmt.Errorf("%w: host is required for %s", ErrInvalidOptions, o.Kind)
		}
		if o.Port <= 0 || o.Port > 65535 {
			return fmt.Errorf("%w: invalid port %d for %s", ErrInvalidOptions, o.Port, o.Kind)
		}
	case messages.KindTCPServer:
	default:
		return fmt.Errorf("%w: unknown resource kind", ErrInvalidOptions)
	}
	return nil
}

func (o Options) createMsg() (messages.Message, error) {
	msg, ok := messages.CreateMsg(o.Kind, messages.SocketParams{
		Host:     o.Host,
		Port:     o.Port,
		ClientID: o.ClientID,
	})
	if !ok {
		return nil, fmt.Errorf("%w: unknown resource kind", ErrInvalidOptions)
	}
	return msg, nil
}
