package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/sockrelay/relay/messages"
)

const (
	maxMessageSize  = 16 * 1024 * 1024
	eventBufferSize = 64
)

var (
	ErrClientClosed          = errors.New("relay client is closed")
	ErrUnexpectedMessageType = errors.New("unexpected message type")
)

type handshakeState int

const (
	handshakePending handshakeState = iota
	handshakeComplete
)

// Client is one transport to the relay bound to a single resource. The creation request is sent by Dial, the
// payloads given to Send before the relay confirms the creation are queued and flushed in order.
type Client struct {
	log  *log.Entry
	opts Options
	conn *websocket.Conn

	ctx       context.Context
	ctxCancel context.CancelFunc

	// mu protects the handshake state and the queue, and keeps the writes in submission order
	mu      sync.Mutex
	state   handshakeState
	pending [][]byte
	closed  bool

	events     chan Event
	ready      chan struct{}
	wgReadLoop sync.WaitGroup
}

// Dial validates the options, opens the WebSocket transport and sends the creation request of the resource.
// The client does not retry, a failed transport is reported with an ErrorEvent.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	createMsg, err := opts.createMsg()
	if err != nil {
		return nil, err
	}
	frame, err := messages.Marshal(createMsg)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.Dial(ctx, opts.RelayURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", opts.RelayURL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
		_ = conn.CloseNow()
		return nil, fmt.Errorf("failed to send %s request: %w", opts.Kind, err)
	}

	cCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log: log.WithFields(log.Fields{
			"relay": opts.RelayURL,
			"kind":  opts.Kind.String(),
		}),
		opts:      opts,
		conn:      conn,
		ctx:       cCtx,
		ctxCancel: cancel,
		events:    make(chan Event, eventBufferSize),
		ready:     make(chan struct{}),
	}

	c.wgReadLoop.Add(1)
	go c.readLoop()
	return c, nil
}

// Events returns the notifications of the relay. The channel is closed when the transport is closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Ready is closed when the relay has confirmed the resource creation
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Send relays the payload to the resource. Before the creation is confirmed the payload is queued.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	if c.state == handshakePending {
		buf := make([]byte, len(payload))
		copy(buf, payload)
		c.pending = append(c.pending, buf)
		return nil
	}

	return c.write(messages.ClientData{Payload: payload})
}

// Listen asks the relay to start accepting connections on the port of the virtual TCP server
func (c *Client) Listen() error {
	if c.opts.Kind != messages.KindTCPServer {
		return fmt.Errorf("%w: listen on %s", ErrInvalidOptions, c.opts.Kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	return c.write(messages.TCPServerListen{})
}

// Close closes the transport. The relay releases the resource.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.ctxCancel()
	c.wgReadLoop.Wait()
	if err != nil && !isClosedErr(err) {
		return err
	}
	return nil
}

// RemoteAddr returns the address of the relay
func (c *Client) RemoteAddr() net.Addr {
	return RelayAddr{addr: c.opts.RelayURL}
}

// write must be called with mu held
func (c *Client) write(msg messages.Message) error {
	frame, err := messages.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("failed to write %s: %w", msg.Opcode(), err)
	}
	return nil
}

// handshakeDone flushes the queued payloads before the state flips, so direct writes never overtake them. It
// reports whether this call completed the handshake.
func (c *Client) handshakeDone() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == handshakeComplete {
		c.log.Debugf("ignoring repeated handshake")
		return false, nil
	}

	for _, payload := range c.pending {
		if err := c.write(messages.ClientData{Payload: payload}); err != nil {
			return false, err
		}
	}
	c.pending = nil
	c.state = handshakeComplete
	close(c.ready)
	return true, nil
}

func (c *Client) readLoop() {
	defer c.wgReadLoop.Done()
	defer close(c.events)

	for {
		typ, frame, err := c.conn.Read(c.ctx)
		if err != nil {
			if !c.isClosed() && !isNormalClose(err) {
				c.log.Debugf("failed to read message from relay: %s", err)
				c.emit(ErrorEvent{Err: err})
			}
			break
		}

		if typ != websocket.MessageBinary {
			c.emit(ErrorEvent{Err: fmt.Errorf("%w: %s", ErrUnexpectedMessageType, typ)})
			break
		}

		if err := c.handleFrame(frame); err != nil {
			c.log.Errorf("closing relay transport: %s", err)
			c.emit(ErrorEvent{Err: err})
			break
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.CloseNow()
	c.log.Tracef("exit from read loop")
}

func (c *Client) handleFrame(frame []byte) error {
	msg, err := messages.UnmarshalServerMsg(frame)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case messages.HandshakeSuccess:
		created, err := c.handshakeDone()
		if err != nil {
			return err
		}
		if created {
			c.emit(CreatedEvent{Address: m.Address})
		}
	case messages.ServerData:
		c.emit(DataEvent{Payload: m.Payload})
	case messages.ConnectionSucceeded:
		c.emit(ConnectEvent{})
	case messages.ConnectionClosed:
		c.emit(CloseEvent{})
	case messages.ConnectionTimeout:
		c.emit(TimeoutEvent{})
	case messages.TCPServerListening:
		c.emit(ListeningEvent{})
	case messages.ConnectionReceived:
		c.emit(ConnectionEvent{Remote: m.Remote, relayURL: c.opts.RelayURL})
	case messages.Error:
		c.emit(ErrorEvent{Err: &RemoteError{Text: m.Text}})
	default:
		return &messages.UnknownOpcodeError{Opcode: msg.Opcode()}
	}
	return nil
}

// emit blocks while the consumer is behind, the relay is throttled by the unread WebSocket frames
func (c *Client) emit(e Event) {
	select {
	case c.events <- e:
	case <-c.ctx.Done():
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1
}
