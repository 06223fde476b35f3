package proxy

import (
	"sync"
)

// Servers is the table of the live virtual TCP servers, keyed by their reserved port. A second transport finds
// the server of an accepted connection through it.
type Servers struct {
	byPort map[int]*TCPServer
	mu     sync.RWMutex
}

func NewServers() *Servers {
	return &Servers{
		byPort: make(map[int]*TCPServer),
	}
}

func (s *Servers) Add(srv *TCPServer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byPort[srv.Port()] = srv
}

func (s *Servers) Get(port int) (*TCPServer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.byPort[port]
	return srv, ok
}

// Remove deletes the entry only if it still belongs to the given server
func (s *Servers) Remove(srv *TCPServer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.byPort[srv.Port()]; ok && current == srv {
		delete(s.byPort, srv.Port())
	}
}

func (s *Servers) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byPort)
}
