package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/netbirdio/sockrelay/relay/messages"
)

var errDeadlineNotSupported = errors.New("deadline is not supported")

// Conn represents a relayed TCP connection as a net.Conn
type Conn struct {
	client *Client

	readMu   sync.Mutex
	leftover []byte
	readErr  error
}

// DialTCP opens a TCP socket through the relay and waits until it is connected. With a non-zero clientID the
// socket is attached to a connection accepted by the virtual server reserving port.
func DialTCP(ctx context.Context, relayURL, host string, port int, clientID uint64) (*Conn, error) {
	c, err := Dial(ctx, Options{
		RelayURL: relayURL,
		Kind:     messages.KindTCPSocket,
		Host:     host,
		Port:     port,
		ClientID: clientID,
	})
	if err != nil {
		return nil, err
	}

	if err := waitConnected(ctx, c, clientID > 0); err != nil {
		_ = c.Close()
		return nil, err
	}
	return NewConn(c), nil
}

// waitConnected consumes the events up to the connection. Attached sockets are connected with the creation.
func waitConnected(ctx context.Context, c *Client, attached bool) error {
	for {
		select {
		case e, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("relay transport closed before the connection: %w", io.ErrUnexpectedEOF)
			}
			switch ev := e.(type) {
			case CreatedEvent:
				if attached {
					return nil
				}
			case ConnectEvent:
				return nil
			case ErrorEvent:
				return ev.Err
			case TimeoutEvent:
				return fmt.Errorf("connect through relay: %w", os.ErrDeadlineExceeded)
			case CloseEvent:
				return fmt.Errorf("connect through relay: %w", net.ErrClosed)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// NewConn wraps a connected TCP socket client. The Conn consumes the events of the client.
func NewConn(c *Client) *Conn {
	return &Conn{
		client: c,
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.leftover) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}

		e, ok := <-c.client.Events()
		if !ok {
			c.readErr = io.EOF
			continue
		}
		switch ev := e.(type) {
		case DataEvent:
			c.leftover = ev.Payload
		case CloseEvent:
			c.readErr = io.EOF
		case ErrorEvent:
			c.readErr = ev.Err
		}
	}

	n := copy(b, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	if err := c.client.Send(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Conn) Close() error {
	return c.client.Close()
}

func (c *Conn) LocalAddr() net.Addr {
	return RelayAddr{addr: "local"}
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.client.RemoteAddr()
}

func (c *Conn) SetDeadline(t time.Time) error {
	return errDeadlineNotSupported
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return errDeadlineNotSupported
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return errDeadlineNotSupported
}
