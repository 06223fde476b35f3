package server

import (
	"sync"
)

// Store is a thread-safe store of the open transports
type Store struct {
	transports map[string]*Transport // Key is the xid of the transport
	mu         sync.RWMutex
}

// NewStore creates a new Store instance
func NewStore() *Store {
	return &Store{
		transports: make(map[string]*Transport),
	}
}

// AddTransport adds a transport to the store
func (s *Store) AddTransport(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports[t.ID()] = t
}

// DeleteTransport deletes a transport from the store. It is a no-op if the id belongs to another instance.
func (s *Store) DeleteTransport(t *Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.transports[t.ID()]
	if !ok || current != t {
		return
	}
	delete(s.transports, t.ID())
}

// Transport returns a transport by its id
func (s *Store) Transport(id string) (*Transport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transports[id]
	return t, ok
}

// Transports returns all the open transports
func (s *Store) Transports() []*Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()

	transports := make([]*Transport, 0, len(s.transports))
	for _, t := range s.transports {
		transports = append(transports, t)
	}
	return transports
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.transports)
}
