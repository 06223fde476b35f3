package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/netbirdio/sockrelay/relay/healthcheck"
	"github.com/netbirdio/sockrelay/relay/messages"
	"github.com/netbirdio/sockrelay/relay/metrics"
	"github.com/netbirdio/sockrelay/relay/server/listener"
	"github.com/netbirdio/sockrelay/relay/server/proxy"
)

type transportState int

const (
	stateNoProxy transportState = iota
	stateProxyCreated
	stateListening
	stateClosed
)

func (s transportState) String() string {
	switch s {
	case stateNoProxy:
		return "no proxy"
	case stateProxyCreated:
		return "proxy created"
	case stateListening:
		return "listening"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is one client connection of the relay. It owns at most one network resource for its lifetime and
// translates between the client frames and the events of the resource.
type Transport struct {
	log     *log.Entry
	id      string
	conn    listener.Conn
	metrics *metrics.Metrics
	factory *proxy.Factory
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	// writeMu serializes the writes of the read loop and of the resource goroutines
	writeMu sync.Mutex

	mu       sync.Mutex
	state    transportState
	resource proxy.Resource
	server   *proxy.TCPServer

	closeOnce sync.Once
}

func NewTransport(id string, conn listener.Conn, m *metrics.Metrics, factory *proxy.Factory, limiter *rate.Limiter) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		log: log.WithFields(log.Fields{
			"transport_id": id,
			"remote":       conn.RemoteAddr(),
		}),
		id:      id,
		conn:    conn,
		metrics: m,
		factory: factory,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (t *Transport) ID() string {
	return t.id
}

// Kind returns the kind of the bound resource, KindUnknown before the creation
func (t *Transport) Kind() messages.ResourceKind {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resource == nil {
		return messages.KindUnknown
	}
	return t.resource.Kind()
}

// Work reads the client frames and handles them in receipt order until the transport is closed
func (t *Transport) Work() {
	defer t.Close()

	if pinger, ok := t.conn.(listener.Pinger); ok {
		go t.healthCheck(pinger)
	}

	for {
		frame, err := t.conn.ReadMessage(t.ctx)
		if err != nil {
			switch {
			case t.isClosed(), errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
				t.log.Debugf("transport closed: %s", err)
			case errors.Is(err, listener.ErrUnexpectedMessageType):
				t.fail(err)
			default:
				t.log.Errorf("failed to read message: %s", err)
			}
			return
		}

		t.metrics.TransferBytesRecv.Add(t.ctx, int64(len(frame)))
		t.metrics.TransportActivity(t.id)

		t.handleFrame(frame)
		if t.isClosed() {
			return
		}
	}
}

// Close releases the resource and closes the client connection. It can be called more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		res := t.resource
		t.state = stateClosed
		t.mu.Unlock()

		if res != nil {
			if err := res.Close(); err != nil {
				t.log.Warnf("failed to close %s: %s", res.Kind(), err)
			}
			t.metrics.ResourceClosed(res.Kind().String())
		}

		if err := t.conn.Close(); err != nil {
			t.log.Debugf("failed to close connection: %s", err)
		}
		t.cancel()
	})
}

// CloseGracefully waits for the close or for the context, whichever comes first
func (t *Transport) CloseGracefully(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		t.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.log.Warnf("failed to close transport gracefully: %s", ctx.Err())
		t.cancel()
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateClosed
}

func (t *Transport) handleFrame(frame []byte) {
	msg, err := messages.UnmarshalClientMsg(frame)
	if err != nil {
		t.fail(err)
		return
	}

	switch m := msg.(type) {
	case messages.CreateUDPSocket:
		err = t.create(messages.KindUDPSocket, m.Params)
	case messages.CreateTCPSocket:
		err = t.create(messages.KindTCPSocket, m.Params)
	case messages.CreateTCPServer:
		err = t.create(messages.KindTCPServer, messages.SocketParams{})
	case messages.TCPServerListen:
		err = t.listen()
	case messages.ClientData:
		err = t.send(m.Payload)
	default:
		err = &messages.UnknownOpcodeError{Opcode: msg.Opcode()}
	}

	if err != nil {
		t.fail(err)
	}
}

func (t *Transport) create(kind messages.ResourceKind, params messages.SocketParams) error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != stateNoProxy {
		return fmt.Errorf("%w: resource already created", ErrProtocolViolation)
	}

	if t.limiter != nil && !t.limiter.Allow() {
		return ErrRateLimited
	}

	var (
		res proxy.Resource
		srv *proxy.TCPServer
		err error
	)
	switch kind {
	case messages.KindUDPSocket:
		if err := validateSocketParams(params); err != nil {
			return err
		}
		res, err = t.factory.NewUDPSocket(t.log, params, t)
	case messages.KindTCPSocket:
		if err := validateSocketParams(params); err != nil {
			return err
		}
		res, err = t.factory.NewTCPSocket(t.log, params, t)
	case messages.KindTCPServer:
		srv, err = t.factory.NewTCPServer(t.log, t)
		res = srv
	}
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.state == stateClosed {
		t.mu.Unlock()
		_ = res.Close()
		return nil
	}
	t.resource = res
	t.server = srv
	t.state = stateProxyCreated
	t.mu.Unlock()

	t.metrics.ResourceCreated(kind.String())
	t.log.Debugf("created %s", kind)

	handshake := messages.HandshakeSuccess{}
	if srv != nil {
		handshake.Address = srv.Address()
	}
	if err := t.write(handshake); err != nil {
		t.log.Debugf("failed to write handshake: %s", err)
		t.Close()
		return nil
	}

	res.Start()
	return nil
}

func (t *Transport) listen() error {
	t.mu.Lock()
	state, srv := t.state, t.server
	t.mu.Unlock()

	switch {
	case state == stateNoProxy:
		return fmt.Errorf("%w: listen before the server creation", ErrProtocolViolation)
	case srv == nil:
		return fmt.Errorf("%w: listen on a socket", ErrProtocolViolation)
	case state == stateListening:
		return fmt.Errorf("%w: tcp server is already listening", ErrProtocolViolation)
	}

	if err := srv.Listen(); err != nil {
		if errors.Is(err, proxy.ErrAlreadyListening) {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		return err
	}

	t.mu.Lock()
	if t.state == stateProxyCreated {
		t.state = stateListening
	}
	t.mu.Unlock()

	if err := t.write(messages.TCPServerListening{}); err != nil {
		t.log.Debugf("failed to write listening message: %s", err)
		t.Close()
		return nil
	}

	srv.Serve()
	return nil
}

func (t *Transport) send(payload []byte) error {
	t.mu.Lock()
	state, res := t.state, t.resource
	t.mu.Unlock()

	if state == stateNoProxy || res == nil {
		return fmt.Errorf("%w: data before the resource creation", ErrProtocolViolation)
	}

	if res.Kind() == messages.KindTCPServer {
		return ErrDataToServer
	}

	return res.Send(payload)
}

// fail reports the error to the client and closes the transport unless the error is recoverable
func (t *Transport) fail(err error) {
	t.metrics.Error(errorReason(err))

	if recoverable(err) {
		t.log.Debugf("recoverable error: %s", err)
	} else {
		t.log.Warnf("closing transport: %s", err)
	}

	if wErr := t.write(messages.Error{Text: err.Error()}); wErr != nil {
		t.log.Debugf("failed to write error message: %s", wErr)
	}

	if !recoverable(err) {
		t.Close()
	}
}

func (t *Transport) write(msg messages.Message) error {
	frame, err := messages.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.isClosed() {
		return net.ErrClosed
	}

	if err := t.conn.WriteMessage(t.ctx, frame); err != nil {
		return err
	}

	t.metrics.TransferBytesSent.Add(t.ctx, int64(len(frame)))
	return nil
}

func (t *Transport) healthCheck(pinger listener.Pinger) {
	hc := healthcheck.NewSender(t.log, pinger.Ping)
	go hc.StartHealthCheck(t.ctx)

	if _, ok := <-hc.Timeout; ok {
		t.log.Infof("transport health check timed out")
		t.Close()
	}
}

// OnConnect implements proxy.EventHandler
func (t *Transport) OnConnect() {
	if err := t.write(messages.ConnectionSucceeded{}); err != nil {
		t.log.Debugf("failed to write connection succeeded: %s", err)
	}
}

func (t *Transport) OnData(payload []byte) {
	if err := t.write(messages.ServerData{Payload: payload}); err != nil {
		t.log.Debugf("failed to write data: %s", err)
		return
	}
	t.metrics.TransportActivity(t.id)
}

func (t *Transport) OnTimeout() {
	if err := t.write(messages.ConnectionTimeout{}); err != nil {
		t.log.Debugf("failed to write connection timeout: %s", err)
	}
}

// OnClose reports the end of the resource. A virtual TCP server does not outlive its listener, the transport
// is closed with it.
func (t *Transport) OnClose() {
	if err := t.write(messages.ConnectionClosed{}); err != nil {
		t.log.Debugf("failed to write connection closed: %s", err)
	}

	if t.Kind() == messages.KindTCPServer {
		t.Close()
	}
}

func (t *Transport) OnError(err error) {
	t.fail(err)
}

func (t *Transport) OnConnection(remote messages.RemoteConnection) {
	if err := t.write(messages.ConnectionReceived{Remote: remote}); err != nil {
		t.log.Debugf("failed to write connection received: %s", err)
	}
}

func validateSocketParams(params messages.SocketParams) error {
	if params.Host == "" {
		return fmt.Errorf("%w: host is required", ErrValidation)
	}
	if params.Port <= 0 || params.Port > 65535 {
		return fmt.Errorf("%w: port %d is out of range", ErrValidation, params.Port)
	}
	return nil
}
