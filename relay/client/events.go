package client

import (
	"net/url"

	"github.com/netbirdio/sockrelay/relay/messages"
)

// Event is a notification of the relay delivered on Client.Events
type Event interface {
	event()
}

// CreatedEvent is delivered once the relay has created the resource. Address is set for TCP servers only.
type CreatedEvent struct {
	Address *messages.HandshakeAddress
}

// ConnectEvent reports an established outbound TCP connection
type ConnectEvent struct{}

type DataEvent struct {
	Payload []byte
}

// CloseEvent reports the end of the relayed connection. The transport itself may stay open.
type CloseEvent struct{}

type TimeoutEvent struct{}

// ErrorEvent carries a *RemoteError for the failures reported by the relay, or a local error of the transport
type ErrorEvent struct {
	Err error
}

type ListeningEvent struct{}

// ConnectionEvent announces a connection accepted by the virtual TCP server of this client
type ConnectionEvent struct {
	Remote   messages.RemoteConnection
	relayURL string
}

// Options returns the options of a new client attached to the accepted connection
func (e ConnectionEvent) Options() Options {
	host := ""
	if u, err := url.Parse(e.relayURL); err == nil {
		host = u.Hostname()
	}
	return Options{
		RelayURL: e.relayURL,
		Kind:     messages.KindTCPSocket,
		Host:     host,
		Port:     e.Remote.Port,
		ClientID: e.Remote.ID,
	}
}

func (CreatedEvent) event()    {}
func (ConnectEvent) event()    {}
func (DataEvent) event()       {}
func (CloseEvent) event()      {}
func (TimeoutEvent) event()    {}
func (ErrorEvent) event()      {}
func (ListeningEvent) event()  {}
func (ConnectionEvent) event() {}

// RemoteError is a failure reported by the relay with an ERROR message
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	return "relay error: " + e.Text
}
