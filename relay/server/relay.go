package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/netbirdio/sockrelay/relay/metrics"
	"github.com/netbirdio/sockrelay/relay/server/listener"
	"github.com/netbirdio/sockrelay/relay/server/pool"
	"github.com/netbirdio/sockrelay/relay/server/proxy"
)

// RelayConfig holds the settings of the dispatcher shared by every transport
type RelayConfig struct {
	PortRangeStart int
	PortRangeEnd   int
	Proxy          proxy.Config
	// CreateRateLimit limits the resource creations per second across all transports. Zero disables it.
	CreateRateLimit float64
	CreateBurst     int
}

// Relay represents the relay server
type Relay struct {
	metrics       *metrics.Metrics
	metricsCancel context.CancelFunc

	pool    *pool.Pool
	servers *proxy.Servers
	factory *proxy.Factory
	limiter *rate.Limiter

	store *Store

	closed  bool
	closeMu sync.RWMutex
}

// NewRelay creates a new Relay instance
//
// Parameters:
// meter: An instance of metric.Meter from the go.opentelemetry.io/otel/metric package. It is used to create and manage
// metrics for the relay server.
// config: the port range of the virtual TCP servers, the socket settings and the creation rate limit.
//
// Returns:
// A pointer to a Relay instance and an error. If the Relay instance is successfully created, the error is nil.
// Otherwise, the error contains the details of what went wrong.
func NewRelay(meter metric.Meter, config RelayConfig) (*Relay, error) {
	p, err := pool.New(config.PortRangeStart, config.PortRangeEnd)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	ctx, metricsCancel := context.WithCancel(context.Background())
	m, err := metrics.NewMetrics(ctx, meter, p.Available)
	if err != nil {
		metricsCancel()
		return nil, fmt.Errorf("creating app metrics: %v", err)
	}

	servers := proxy.NewServers()
	r := &Relay{
		metrics:       m,
		metricsCancel: metricsCancel,
		pool:          p,
		servers:       servers,
		factory:       proxy.NewFactory(config.Proxy, p, servers, m),
		store:         NewStore(),
	}

	if config.CreateRateLimit > 0 {
		burst := config.CreateBurst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(config.CreateRateLimit), burst)
	}

	log.Infof("connection pool ports: %s", p)
	return r, nil
}

// Accept start to handle a new transport connection
func (r *Relay) Accept(conn listener.Conn) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		if err := conn.Close(); err != nil {
			log.Debugf("failed to close connection of a closed relay: %s", err)
		}
		return
	}

	t := NewTransport(xid.New().String(), conn, r.metrics, r.factory, r.limiter)
	t.log.Infof("transport connected")
	r.store.AddTransport(t)
	r.metrics.TransportConnected(t.ID())
	go func() {
		t.Work()
		r.store.DeleteTransport(t)
		t.log.Debugf("transport closed")
		r.metrics.TransportDisconnected(t.ID())
	}()
}

// Shutdown closes the relay server
// It closes every transport with its resource and stops accepting new connections.
func (r *Relay) Shutdown(ctx context.Context) {
	log.Infof("close connection with all transports")
	r.closeMu.Lock()
	r.closed = true
	wg := sync.WaitGroup{}
	for _, t := range r.store.Transports() {
		wg.Add(1)
		go func(t *Transport) {
			t.CloseGracefully(ctx)
			wg.Done()
		}(t)
	}
	wg.Wait()
	r.metricsCancel()
	r.closeMu.Unlock()
}

// AvailablePorts returns the number of ports a new virtual TCP server can still reserve
func (r *Relay) AvailablePorts() int {
	return r.pool.Available()
}

// Transports returns the number of open transports
func (r *Relay) Transports() int {
	return r.store.Len()
}

// TCPServers returns the number of live virtual TCP servers
func (r *Relay) TCPServers() int {
	return r.servers.Len()
}
