package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	idleTimeout = 30 * time.Second
)

// PortCounter reports the number of free ports of the connection pool
type PortCounter func() int

type Metrics struct {
	metric.Meter

	TransferBytesSent metric.Int64Counter
	TransferBytesRecv metric.Int64Counter

	transports          metric.Int64UpDownCounter
	resources           metric.Int64UpDownCounter
	acceptedConns       metric.Int64Counter
	errors              metric.Int64Counter
	transportActivity   chan string
	transportLastActive map[string]time.Time
	mutexActivity       sync.Mutex
	ctx                 context.Context
}

func NewMetrics(ctx context.Context, meter metric.Meter, availablePorts PortCounter) (*Metrics, error) {
	bytesSent, err := meter.Int64Counter("relay_transfer_bytes_sent",
		metric.WithDescription("bytes sent to relay clients"))
	if err != nil {
		return nil, err
	}

	bytesRecv, err := meter.Int64Counter("relay_transfer_bytes_received",
		metric.WithDescription("bytes received from relay clients"))
	if err != nil {
		return nil, err
	}

	transports, err := meter.Int64UpDownCounter("relay_transports")
	if err != nil {
		return nil, err
	}

	resources, err := meter.Int64UpDownCounter("relay_resources")
	if err != nil {
		return nil, err
	}

	acceptedConns, err := meter.Int64Counter("relay_accepted_connections",
		metric.WithDescription("connections accepted by virtual TCP servers"))
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter("relay_errors")
	if err != nil {
		return nil, err
	}

	transportsActive, err := meter.Int64ObservableGauge("relay_transports_active")
	if err != nil {
		return nil, err
	}

	transportsIdle, err := meter.Int64ObservableGauge("relay_transports_idle")
	if err != nil {
		return nil, err
	}

	poolAvailable, err := meter.Int64ObservableGauge("relay_pool_available_ports")
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		Meter:             meter,
		TransferBytesSent: bytesSent,
		TransferBytesRecv: bytesRecv,
		transports:        transports,
		resources:         resources,
		acceptedConns:     acceptedConns,
		errors:            errCounter,

		ctx:                 ctx,
		transportActivity:   make(chan string, 1),
		transportLastActive: make(map[string]time.Time),
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			active, idle := m.calculateActiveIdleTransports()
			o.ObserveInt64(transportsActive, active)
			o.ObserveInt64(transportsIdle, idle)
			if availablePorts != nil {
				o.ObserveInt64(poolAvailable, int64(availablePorts()))
			}
			return nil
		},
		transportsActive, transportsIdle, poolAvailable,
	)
	if err != nil {
		return nil, err
	}

	go m.readTransportActivity()
	return m, nil
}

// TransportConnected increments the number of open transports and counts the new one as idle
func (m *Metrics) TransportConnected(id string) {
	m.transports.Add(context.Background(), 1)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	m.transportLastActive[id] = time.Time{}
}

// TransportDisconnected decrements the number of open transports
func (m *Metrics) TransportDisconnected(id string) {
	m.transports.Add(context.Background(), -1)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	delete(m.transportLastActive, id)
}

// TransportActivity marks the transport as active
func (m *Metrics) TransportActivity(id string) {
	select {
	case m.transportActivity <- id:
	case <-m.ctx.Done():
	}
}

func (m *Metrics) ResourceCreated(kind string) {
	m.resources.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) ResourceClosed(kind string) {
	m.resources.Add(context.Background(), -1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) ConnectionAccepted() {
	m.acceptedConns.Add(context.Background(), 1)
}

// Error counts a failure reported to a client, reason is a low cardinality label
func (m *Metrics) Error(reason string) {
	m.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) calculateActiveIdleTransports() (int64, int64) {
	active, idle := int64(0), int64(0)
	m.mutexActivity.Lock()
	defer m.mutexActivity.Unlock()

	for _, lastActive := range m.transportLastActive {
		if time.Since(lastActive) > idleTimeout {
			idle++
		} else {
			active++
		}
	}
	return active, idle
}

func (m *Metrics) readTransportActivity() {
	for {
		select {
		case id := <-m.transportActivity:
			m.mutexActivity.Lock()
			if _, ok := m.transportLastActive[id]; ok {
				m.transportLastActive[id] = time.Now()
			}
			m.mutexActivity.Unlock()
		case <-m.ctx.Done():
			return
		}
	}
}
