package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/sockrelay/relay/messages"
)

// UDPSocket sends the client payloads as datagrams to a fixed remote address and reports every datagram it
// receives back.
type UDPSocket struct {
	log     *log.Entry
	handler EventHandler

	conn   *net.UDPConn
	remote *net.UDPAddr
	closed atomic.Bool
}

func newUDPSocket(logger *log.Entry, params messages.SocketParams, handler EventHandler) (*UDPSocket, error) {
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(params.Host, strconv.Itoa(params.Port)))
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrSocket, params.Host, err)
	}

	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSocket, err)
	}

	logger.Debugf("udp socket %s bound for %s", conn.LocalAddr(), remote)
	return &UDPSocket{
		log:     logger,
		handler: handler,
		conn:    conn,
		remote:  remote,
	}, nil
}

func (s *UDPSocket) Kind() messages.ResourceKind {
	return messages.KindUDPSocket
}

func (s *UDPSocket) Start() {
	go s.readLoop()
}

func (s *UDPSocket) Send(payload []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("%w: %w", ErrSocket, net.ErrClosed)
	}

	if _, err := s.conn.WriteToUDP(payload, s.remote); err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}
	return nil
}

func (s *UDPSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.conn.Close()
}

func (s *UDPSocket) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Debugf("failed to read from udp socket: %s", err)
			s.handler.OnError(fmt.Errorf("%w: %w", ErrSocket, err))
			_ = s.Close()
			s.handler.OnClose()
			return
		}
		s.handler.OnData(buf[:n])
	}
}
