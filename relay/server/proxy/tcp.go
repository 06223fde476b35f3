package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/sockrelay/relay/messages"
	"github.com/netbirdio/sockrelay/relay/server/registry"
)

// TCPSocket is a TCP connection driven by a transport. It is either dialed by the relay or attached to a
// connection accepted by a virtual TCP server.
type TCPSocket struct {
	log     *log.Entry
	cfg     Config
	handler EventHandler

	// address is the dial target of outbound sockets
	address string

	// attachment of sockets bound to an accepted connection
	attachedRegistry *registry.Registry
	attachedID       uint64
	// early is what the peer sent before the attach, reported first
	early []byte

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu keeps the pending payloads and the direct writes in order
	writeMu sync.Mutex
	pending [][]byte

	stateMu sync.Mutex
	conn    net.Conn
	closed  bool
}

func newOutboundTCPSocket(logger *log.Entry, cfg Config, params messages.SocketParams, handler EventHandler) *TCPSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPSocket{
		log:     logger,
		cfg:     cfg,
		handler: handler,
		address: net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func newAttachedTCPSocket(logger *log.Entry, cfg Config, reg *registry.Registry, client *registry.Client, early []byte, handler EventHandler) *TCPSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPSocket{
		log:              logger,
		cfg:              cfg,
		handler:          handler,
		attachedRegistry: reg,
		attachedID:       client.ID,
		early:            early,
		conn:             client.Conn,
		ctx:              ctx,
		cancel:           cancel,
	}
}

func (s *TCPSocket) Kind() messages.ResourceKind {
	return messages.KindTCPSocket
}

// Start dials the remote host in the background, or starts reading the attached connection. Outbound sockets
// report the result of the dial with OnConnect, OnTimeout or OnError.
func (s *TCPSocket) Start() {
	go s.run()
}

// Send writes the payload to the connection. Payloads sent while an outbound socket is still connecting are
// queued and written in order once the connection is established.
func (s *TCPSocket) Send(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.stateMu.Lock()
	conn, closed := s.conn, s.closed
	s.stateMu.Unlock()

	if closed {
		return fmt.Errorf("%w: %w", ErrSocket, net.ErrClosed)
	}

	if conn == nil {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		s.pending = append(s.pending, buf)
		return nil
	}

	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	return nil
}

// Close aborts a running dial and closes the connection. It does not report an event.
func (s *TCPSocket) Close() error {
	s.stateMu.Lock()
	if s.closed {
		s.stateMu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.stateMu.Unlock()

	s.cancel()
	if s.attachedRegistry != nil {
		s.attachedRegistry.Remove(s.attachedID)
	}
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *TCPSocket) isClosed() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closed
}

func (s *TCPSocket) run() {
	s.stateMu.Lock()
	conn := s.conn
	s.stateMu.Unlock()

	if conn == nil {
		var err error
		conn, err = s.dial()
		if err != nil {
			s.dialFailed(err)
			return
		}
		s.handler.OnConnect()
	}

	if len(s.early) > 0 {
		s.handler.OnData(s.early)
		s.early = nil
	}
	s.readLoop(conn)
}

func (s *TCPSocket) dial() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.dialTimeout())
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.address)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("dial %s: %w", s.address, context.DeadlineExceeded)
		}
		return nil, err
	}

	if err := s.connected(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.log.Debugf("connected to %s", s.address)
	return conn, nil
}

// connected flushes the queued payloads and publishes the connection for the direct writes
func (s *TCPSocket) connected(conn net.Conn) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, payload := range s.pending {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	s.pending = nil

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	s.conn = conn
	return nil
}

func (s *TCPSocket) dialFailed(err error) {
	if s.isClosed() {
		return
	}

	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		s.log.Debugf("connection to %s timed out", s.address)
		s.handler.OnTimeout()
	} else {
		s.log.Debugf("failed to connect to %s: %s", s.address, err)
		s.handler.OnError(fmt.Errorf("%w: %w", ErrSocket, err))
	}

	s.markClosed()
	s.handler.OnClose()
}

func (s *TCPSocket) readLoop(conn net.Conn) {
	buf := make([]byte, s.cfg.readBufferSize())
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}

		n, err := conn.Read(buf)
		if n > 0 {
			s.handler.OnData(buf[:n])
		}
		if err == nil {
			continue
		}

		if s.isClosed() {
			return
		}

		if isTimeout(err) {
			s.handler.OnTimeout()
			continue
		}

		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.log.Debugf("failed to read from tcp socket: %s", err)
			s.handler.OnError(fmt.Errorf("%w: %w", ErrSocket, err))
		}
		break
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Debugf("failed to close tcp socket: %s", err)
	}
	if s.attachedRegistry != nil {
		s.attachedRegistry.Remove(s.attachedID)
	}
	s.markClosed()
	s.handler.OnClose()
}

func (s *TCPSocket) markClosed() {
	s.stateMu.Lock()
	s.closed = true
	s.stateMu.Unlock()
	s.cancel()
}
