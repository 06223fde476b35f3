package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/netbirdio/sockrelay/relay/server/listener"
	"github.com/netbirdio/sockrelay/relay/server/listener/ws"
	"github.com/netbirdio/sockrelay/util"
)

// ListenerConfig is the configuration for the listener.
// Address: the address to bind the listener to. It could be an address behind a reverse proxy.
// TLSConfig: the TLS configuration for the listener.
// MaxMessageSize: the largest frame a client may send.
type ListenerConfig struct {
	Address        string
	TLSConfig      *tls.Config
	MaxMessageSize int64
}

// Server is the main entry point for the relay server.
// It is the gate between the WebSocket listener and the Relay server logic.
// In a new HTTP connection, the server will accept the connection and pass it to the Relay server via the Accept method.
type Server struct {
	relay *Relay

	mu            sync.Mutex
	listener      listener.Listener
	listenerReady atomic.Bool
	tlsSupported  bool
}

// Config is the configuration for the server.
type Config struct {
	Meter metric.Meter
	Relay RelayConfig
}

// NewServer creates and returns a new relay server instance.
//
// Parameters:
// config: A Config object containing the meter and the relay settings.
//
// Returns:
// A pointer to a Server instance and an error. If the initialization is successful, the error will be nil;
// otherwise, it will contain the details of the failure.
func NewServer(config Config) (*Server, error) {
	relay, err := NewRelay(config.Meter, config.Relay)
	if err != nil {
		return nil, err
	}
	return &Server{
		relay: relay,
	}, nil
}

// Listen starts the relay server and blocks until the listener is closed.
func (r *Server) Listen(cfg ListenerConfig) error {
	wsListener := ws.NewListener(ws.Config{
		Address:        cfg.Address,
		TLSConfig:      cfg.TLSConfig,
		MaxMessageSize: cfg.MaxMessageSize,
	})

	r.mu.Lock()
	if r.listener != nil {
		r.mu.Unlock()
		return errors.New("server is already listening")
	}
	r.listener = wsListener
	r.tlsSupported = cfg.TLSConfig != nil
	r.mu.Unlock()

	r.listenerReady.Store(true)
	defer r.listenerReady.Store(false)

	if err := wsListener.Listen(r.relay.Accept); err != nil {
		log.Errorf("failed to bind ws server: %s", err)
		return err
	}
	return nil
}

// Shutdown stops the relay server. If there are active connections, they will be closed gracefully. In case of a
// context, the connections will be forcefully closed.
func (r *Server) Shutdown(ctx context.Context) error {
	var multiErr *multierror.Error

	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()

	// stop service new connections
	if l != nil {
		if err := l.Close(ctx); err != nil {
			multiErr = multierror.Append(multiErr, fmt.Errorf("close ws listener: %w", err))
		}
	}

	// close accepted connections gracefully
	r.relay.Shutdown(ctx)
	return util.FormatErrorOrNil(multiErr)
}

// ListenerReady reports whether the WebSocket listener is serving
func (r *Server) ListenerReady() bool {
	return r.listenerReady.Load() && r.Addr() != nil
}

// AvailablePorts returns the number of ports left for virtual TCP servers
func (r *Server) AvailablePorts() int {
	return r.relay.AvailablePorts()
}

// Relay returns the dispatcher of the server
func (r *Server) Relay() *Relay {
	return r.relay
}

// Addr returns the bound address of the listener, nil when it is not listening
func (r *Server) Addr() net.Addr {
	r.mu.Lock()
	l := r.listener
	r.mu.Unlock()

	if l == nil {
		return nil
	}
	return l.Addr()
}

// InstanceURL returns the ws or wss URL of the listener reachable from the local host
func (r *Server) InstanceURL() (string, error) {
	addr := r.Addr()
	if addr == nil {
		return "", errors.New("server is not listening")
	}

	r.mu.Lock()
	tlsSupported := r.tlsSupported
	r.mu.Unlock()
	return LocalURL(addr.String(), tlsSupported)
}
