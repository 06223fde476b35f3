package ws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/sockrelay/relay/server/listener"
)

const DefaultMaxMessageSize = 16 * 1024 * 1024

type Config struct {
	Address   string
	TLSConfig *tls.Config
	// MaxMessageSize limits the size of a single inbound frame
	MaxMessageSize int64
}

// Listener accepts WebSocket upgrades on any path. Plain HTTP requests are answered with 404.
type Listener struct {
	cfg Config

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	acceptFn func(conn listener.Conn)
}

func NewListener(cfg Config) *Listener {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Listener{
		cfg: cfg,
	}
}

// Listen binds the address and serves until Close is called
func (l *Listener) Listen(acceptFn func(conn listener.Conn)) error {
	l.mu.Lock()
	if l.server != nil {
		l.mu.Unlock()
		return errors.New("listener is already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", l.cfg.Address, err)
	}
	if l.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, l.cfg.TLSConfig)
	}

	l.acceptFn = acceptFn
	l.listener = ln
	l.server = &http.Server{
		Handler: http.HandlerFunc(l.onRequest),
	}
	server := l.server
	l.mu.Unlock()

	log.Infof("WS server is listening on address: %s", ln.Addr())
	err = server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address, nil before Listen
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) Close(ctx context.Context) error {
	l.mu.Lock()
	server := l.server
	l.mu.Unlock()

	if server == nil {
		return nil
	}

	log.Debugf("closing WS server")
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %v", err)
	}
	return nil
}

func (l *Listener) onRequest(w http.ResponseWriter, r *http.Request) {
	if !isUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Errorf("failed to accept ws connection from %s: %s", r.RemoteAddr, err)
		return
	}
	wsConn.SetReadLimit(l.cfg.MaxMessageSize)

	rAddr, err := net.ResolveTCPAddr("tcp", r.RemoteAddr)
	if err != nil {
		_ = wsConn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	l.acceptFn(NewConn(wsConn, rAddr))
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
