package healthcheck

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const (
	statusOK          = "ok"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
)

// ServiceChecker reports the state of the relay to the health endpoint
type ServiceChecker interface {
	ListenerReady() bool
	AvailablePorts() int
}

const probeTimeout = 3 * time.Second

type Config struct {
	ListenAddress  string
	ServiceChecker ServiceChecker
	// ProbeURL is the WebSocket URL of the relay listener. When set, every health request dials it.
	ProbeURL string
}

// Status is the JSON body of the health endpoint
type Status struct {
	Status         string `json:"status"`
	Listener       bool   `json:"listener"`
	AvailablePorts int    `json:"available_ports"`
}

// Server answers the liveness probes of orchestrators on /health
type Server struct {
	config Config

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

func NewServer(config Config) (*Server, error) {
	if config.ServiceChecker == nil {
		return nil, errors.New("service checker is required")
	}
	if config.ListenAddress == "" {
		return nil, errors.New("listen address is required")
	}

	return &Server{
		config: config,
	}, nil
}

// Handler returns the router of the health endpoint
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	return router
}

func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	log.Infof("starting health check server on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, nil before ListenAndServe
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status(r.Context())

	code := http.StatusOK
	if status.Status == statusUnavailable {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Debugf("write health response: %v", err)
	}
}

func (s *Server) status(ctx context.Context) Status {
	st := Status{
		Listener:       s.config.ServiceChecker.ListenerReady(),
		AvailablePorts: s.config.ServiceChecker.AvailablePorts(),
	}

	if st.Listener && s.config.ProbeURL != "" {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		if err := dialWS(probeCtx, s.config.ProbeURL); err != nil {
			log.Warnf("health check probe of %s failed: %s", s.config.ProbeURL, err)
			st.Listener = false
		}
	}

	switch {
	case !st.Listener:
		st.Status = statusUnavailable
	case st.AvailablePorts == 0:
		st.Status = statusDegraded
	default:
		st.Status = statusOK
	}
	return st
}
