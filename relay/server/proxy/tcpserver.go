package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/sockrelay/relay/messages"
	"github.com/netbirdio/sockrelay/relay/metrics"
	"github.com/netbirdio/sockrelay/relay/server/pool"
	"github.com/netbirdio/sockrelay/relay/server/registry"
)

const (
	acceptRetryInitialInterval = 5 * time.Millisecond
	acceptRetryMaxInterval     = time.Second
)

// TCPServer is a virtual TCP server. Its port is reserved from the pool at creation, it starts listening on
// Listen and reports every accepted connection to the owner transport.
type TCPServer struct {
	log     *log.Entry
	cfg     Config
	handler EventHandler
	metrics *metrics.Metrics

	pool     *pool.Pool
	servers  *Servers
	registry *registry.Registry
	port     int

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	listening bool
	serving   bool
	closed    bool
}

func newTCPServer(logger *log.Entry, cfg Config, p *pool.Pool, servers *Servers, m *metrics.Metrics, handler EventHandler) (*TCPServer, error) {
	port, err := p.Acquire()
	if errors.Is(err, pool.ErrExhausted) {
		return nil, ErrNoAvailablePorts
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoAvailablePorts, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &TCPServer{
		log:      logger.WithField("port", port),
		cfg:      cfg,
		handler:  handler,
		metrics:  m,
		pool:     p,
		servers:  servers,
		registry: registry.New(),
		port:     port,
		ctx:      ctx,
		cancel:   cancel,
	}
	servers.Add(s)
	s.log.Infof("reserved port %d for a tcp server, free ports remaining: %d", port, p.Available())
	return s, nil
}

func (s *TCPServer) Kind() messages.ResourceKind {
	return messages.KindTCPServer
}

func (s *TCPServer) Port() int {
	return s.port
}

// Address is the handshake address reported to the client
func (s *TCPServer) Address() *messages.HandshakeAddress {
	return &messages.HandshakeAddress{
		Address: messages.ServerAddress{
			Port:   s.port,
			Family: messages.FamilyIPv4,
		},
	}
}

// Start does nothing, the server produces events only after Listen
func (s *TCPServer) Start() {}

// Send is not supported by a server, the owner must reject data before it reaches here
func (s *TCPServer) Send([]byte) error {
	return fmt.Errorf("%w: tcp server does not accept data", ErrInvalidRequest)
}

// Listen binds the reserved port. Connections wait in the backlog until Serve is called.
func (s *TCPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("%w: %w", ErrSocket, net.ErrClosed)
	}
	if s.listening {
		return ErrAlreadyListening
	}

	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSocket, err)
	}

	s.listener = l
	s.listening = true
	s.log.Infof("tcp server is listening on: %s", l.Addr())
	return nil
}

// Serve starts accepting connections on the bound port
func (s *TCPServer) Serve() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.listener == nil || s.serving {
		return
	}
	s.serving = true
	go s.acceptLoop(s.listener)
}

// Accepted returns the connection registry of the server
func (s *TCPServer) Accepted() *registry.Registry {
	return s.registry
}

// Close stops the listener, closes the accepted connections and returns the port to the pool. It can be
// called more than once.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	s.cancel()

	var err error
	if l != nil {
		if cErr := l.Close(); cErr != nil && !errors.Is(cErr, net.ErrClosed) {
			err = fmt.Errorf("close listener: %w", cErr)
		}
	}

	s.registry.Close()
	s.servers.Remove(s)

	if rErr := s.pool.Release(s.port); rErr != nil {
		s.log.Warnf("failed to release port: %s", rErr)
	}
	s.log.Infof("tcp server was closed, free ports remaining: %d", s.pool.Available())
	return err
}

func (s *TCPServer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *TCPServer) acceptLoop(l net.Listener) {
	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     acceptRetryInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          2,
		MaxInterval:         acceptRetryMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}, s.ctx)
	bo.Reset()

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return
			}

			if errors.Is(err, net.ErrClosed) {
				s.log.Errorf("tcp server listener stopped unexpectedly: %s", err)
				s.handler.OnError(fmt.Errorf("%w: %w", ErrSocket, err))
				_ = s.Close()
				s.handler.OnClose()
				return
			}

			delay := bo.NextBackOff()
			if delay == backoff.Stop {
				return
			}
			s.log.Warnf("failed to accept connection, retrying in %s: %s", delay, err)
			select {
			case <-time.After(delay):
			case <-s.ctx.Done():
				return
			}
			continue
		}
		bo.Reset()

		id := s.registry.Add(conn)
		if id == 0 {
			return
		}
		s.registry.Watch(id, s.cfg.readBufferSize())
		if s.metrics != nil {
			s.metrics.ConnectionAccepted()
		}

		s.log.Infof("received tcp connection from %s, total connections: %d", conn.RemoteAddr(), s.registry.Count())
		s.handler.OnConnection(messages.RemoteConnection{ID: id, Port: s.port})
	}
}
