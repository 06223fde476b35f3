// Package registry keeps track of the connections accepted by one virtual TCP server, so another transport
// can attach to them by client id.
package registry

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// MaxClientID is the largest id handed out before wrapping back to 1. Ids travel as JSON numbers, this is the
// largest integer a JavaScript client can represent exactly.
const MaxClientID uint64 = 1<<53 - 1

var ErrNotFound = errors.New("client not found")

// Client is an accepted connection waiting for, or bound to, a transport
type Client struct {
	ID   uint64
	Conn net.Conn

	claimed atomic.Bool

	// set by Watch, early holds what the peer sent before the claim
	mu    sync.Mutex
	done  chan struct{}
	early []byte
	gone  bool
}

// Claim marks the client as attached and stops watching the connection. It returns the bytes the peer sent
// while the client was waiting. Only the first call on a live connection returns true.
func (c *Client) Claim() ([]byte, bool) {
	if !c.claimed.CompareAndSwap(false, true) {
		return nil, false
	}

	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil, true
	}

	// unblock the pending read of the watcher
	_ = c.Conn.SetReadDeadline(time.Now())
	<-done
	_ = c.Conn.SetReadDeadline(time.Time{})

	if c.gone {
		return nil, false
	}
	return c.early, true
}

type Registry struct {
	mu      sync.Mutex
	clients map[uint64]*Client
	lastID  uint64
	closed  bool
}

func New() *Registry {
	return &Registry{
		clients: make(map[uint64]*Client),
	}
}

// Add registers the connection under a new client id. Ids grow monotonically and wrap to 1 before MaxClientID;
// an id still held by a registered connection is skipped. When the registry is already closed the connection
// is closed and 0 is returned.
func (r *Registry) Add(conn net.Conn) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		if err := conn.Close(); err != nil {
			log.Debugf("failed to close connection of a closed registry: %s", err)
		}
		return 0
	}

	id := r.nextID()
	r.clients[id] = &Client{
		ID:   id,
		Conn: conn,
	}
	return id
}

// Find returns the client registered under the id
func (r *Registry) Find(id uint64) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

// Remove drops the client from the registry. It does not close the connection.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
}

// Watch reads the connection of an unclaimed client. When the peer goes away before a transport claims the
// client, the client is removed and its connection closed. At most limit bytes are kept for the claimer, the
// watch stops reading once they are buffered.
func (r *Registry) Watch(id uint64, limit int) {
	c, err := r.Find(id)
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return
	}
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	go func() {
		defer close(done)
		buf := make([]byte, limit)
		n := 0
		for n < limit {
			read, err := c.Conn.Read(buf[n:])
			n += read
			if c.claimed.Load() {
				break
			}
			if err == nil {
				continue
			}

			log.Debugf("client %d went away before it was attached: %s", c.ID, err)
			c.gone = true
			r.Remove(c.ID)
			_ = c.Conn.Close()
			return
		}
		c.early = buf[:n]
	}()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close closes every registered connection and rejects further additions
func (r *Registry) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[uint64]*Client)
	r.closed = true
	r.mu.Unlock()

	for id, c := range clients {
		if err := c.Conn.Close(); err != nil {
			log.Debugf("failed to close client connection %d: %s", id, err)
		}
	}
}

// nextID must be called with the lock held
func (r *Registry) nextID() uint64 {
	for {
		r.lastID++
		if r.lastID >= MaxClientID {
			r.lastID = 1
		}
		if _, ok := r.clients[r.lastID]; ok {
			continue
		}
		return r.lastID
	}
}
