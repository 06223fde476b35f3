package server

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/netbirdio/sockrelay/relay/messages"
)

const testTimeout = 5 * time.Second

// pipeConn is an in-memory listener.Conn. The test plays the client on the other end.
type pipeConn struct {
	toServer chan []byte
	toClient chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newPipeConn() *pipeConn {
	return &pipeConn{
		toServer: make(chan []byte, 64),
		toClient: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (p *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-p.toServer:
		return msg, nil
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteMessage(ctx context.Context, msg []byte) error {
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case <-p.closed:
		return net.ErrClosed
	default:
	}

	select {
	case p.toClient <- buf:
		return nil
	case <-p.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() {
		close(p.closed)
	})
	return nil
}

func (p *pipeConn) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// send writes a client message to the server side
func (p *pipeConn) send(t *testing.T, msg messages.Message) {
	t.Helper()
	frame, err := messages.Marshal(msg)
	require.NoError(t, err)
	p.sendFrame(t, frame)
}

func (p *pipeConn) sendFrame(t *testing.T, frame []byte) {
	t.Helper()
	select {
	case p.toServer <- frame:
	case <-time.After(testTimeout):
		t.Fatalf("timeout sending frame")
	}
}

// next returns the next message written by the server
func (p *pipeConn) next(t *testing.T) messages.Message {
	t.Helper()
	select {
	case frame := <-p.toClient:
		msg, err := messages.UnmarshalServerMsg(frame)
		require.NoError(t, err)
		return msg
	case <-time.After(testTimeout):
		t.Fatalf("timeout waiting for server message")
		return nil
	}
}

func (p *pipeConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.closed:
	case <-time.After(testTimeout):
		t.Fatalf("transport was not closed")
	}
}

func (p *pipeConn) expectOpen(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case <-p.closed:
		t.Fatalf("transport was closed unexpectedly")
	case <-time.After(wait):
	}
}
