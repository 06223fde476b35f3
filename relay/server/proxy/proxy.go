// Package proxy binds a relay transport to the network resource it controls: an outbound TCP connection, a UDP
// socket or a listening TCP server. Every resource reports what happens on the socket through an EventHandler.
package proxy

import (
	"errors"
	"net"
	"time"

	"github.com/netbirdio/sockrelay/relay/messages"
)

const (
	DefaultReadBufferSize = 64 * 1024
	DefaultDialTimeout    = 30 * time.Second

	maxDatagramSize = 64 * 1024
)

var (
	ErrNoAvailablePorts   = errors.New("no available ports")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrConnectionNotFound = errors.New("unable to find client socket")
	ErrAlreadyListening   = errors.New("tcp server is already listening")
	// ErrSocket wraps the failures of the underlying operating system sockets
	ErrSocket = errors.New("socket error")
)

// Resource is the network resource bound to one transport.
//
// A resource does not produce events before Start is called. This lets the owner confirm the creation to the
// client before the first event is reported.
type Resource interface {
	Kind() messages.ResourceKind
	Start()
	Send(payload []byte) error
	Close() error
}

// EventHandler receives the events of a resource. The calls of one resource are never concurrent with each
// other. The payload of OnData is only valid for the duration of the call.
type EventHandler interface {
	OnConnect()
	OnData(payload []byte)
	OnTimeout()
	OnClose()
	OnError(err error)
	OnConnection(remote messages.RemoteConnection)
}

type Config struct {
	// DialTimeout limits the outbound TCP connection attempts
	DialTimeout time.Duration
	// IdleTimeout reports a timeout event when a TCP connection has been idle for the given duration. Zero
	// disables it.
	IdleTimeout time.Duration
	// BindAddress is the local address the virtual TCP servers listen on. Empty means all interfaces.
	BindAddress    string
	ReadBufferSize int
}

func (c Config) readBufferSize() int {
	if c.ReadBufferSize <= 0 {
		return DefaultReadBufferSize
	}
	return c.ReadBufferSize
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout <= 0 {
		return DefaultDialTimeout
	}
	return c.DialTimeout
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
