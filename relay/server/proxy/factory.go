package proxy

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/sockrelay/relay/messages"
	"github.com/netbirdio/sockrelay/relay/metrics"
	"github.com/netbirdio/sockrelay/relay/server/pool"
)

// Factory creates the resources of the transports. It shares the port pool and the virtual server table
// across all transports of a relay.
type Factory struct {
	cfg     Config
	pool    *pool.Pool
	servers *Servers
	metrics *metrics.Metrics
}

func NewFactory(cfg Config, p *pool.Pool, servers *Servers, m *metrics.Metrics) *Factory {
	return &Factory{
		cfg:     cfg,
		pool:    p,
		servers: servers,
		metrics: m,
	}
}

// NewUDPSocket opens a UDP socket sending to the requested host and port
func (f *Factory) NewUDPSocket(logger *log.Entry, params messages.SocketParams, handler EventHandler) (Resource, error) {
	return newUDPSocket(logger, params, handler)
}

// NewTCPSocket returns an outbound TCP socket, or, when the request carries a client id, a socket attached to
// the connection accepted by the virtual server reserving the requested port
func (f *Factory) NewTCPSocket(logger *log.Entry, params messages.SocketParams, handler EventHandler) (Resource, error) {
	if params.Attach() {
		return f.Attach(logger, params, handler)
	}
	return newOutboundTCPSocket(logger, f.cfg, params, handler), nil
}

// NewTCPServer reserves a port for a virtual TCP server. The server does not listen until Listen is called.
func (f *Factory) NewTCPServer(logger *log.Entry, handler EventHandler) (*TCPServer, error) {
	return newTCPServer(logger, f.cfg, f.pool, f.servers, f.metrics, handler)
}

// Attach binds a socket to a connection accepted by a virtual TCP server. Every accepted connection can be
// attached once.
func (f *Factory) Attach(logger *log.Entry, params messages.SocketParams, handler EventHandler) (Resource, error) {
	srv, ok := f.servers.Get(params.Port)
	if !ok {
		return nil, fmt.Errorf("%w: no tcp server on port %d", ErrInvalidRequest, params.Port)
	}

	reg := srv.Accepted()
	client, err := reg.Find(params.ClientID)
	if err != nil {
		return nil, fmt.Errorf("%w: client %d on port %d", ErrConnectionNotFound, params.ClientID, params.Port)
	}

	early, ok := client.Claim()
	if !ok {
		return nil, fmt.Errorf("%w: client %d is already attached or gone", ErrConnectionNotFound, params.ClientID)
	}

	logger.Debugf("attached to client %d of tcp server on port %d", client.ID, params.Port)
	return newAttachedTCPSocket(logger, f.cfg, reg, client, early, handler), nil
}

// AvailablePorts returns the number of ports a new virtual TCP server can still reserve
func (f *Factory) AvailablePorts() int {
	return f.pool.Available()
}
