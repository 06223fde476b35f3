package listener

import (
	"context"
	"errors"
	"net"
)

var ErrUnexpectedMessageType = errors.New("unexpected message type")

// Conn is a message oriented transport connection. Every message carries exactly one relay frame.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, msg []byte) error
	RemoteAddr() net.Addr
	Close() error
}

// Pinger is implemented by the connections able to probe the liveness of the remote side
type Pinger interface {
	Ping(ctx context.Context) error
}

type Listener interface {
	Listen(acceptFn func(conn Conn)) error
	Addr() net.Addr
	Close(ctx context.Context) error
}
