// Package pool rations the range of ports the relay may listen on for virtual TCP servers.
package pool

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
)

const maxPort = 65535

var (
	ErrExhausted    = errors.New("no available ports")
	ErrOutOfRange   = errors.New("port out of range")
	ErrNotReserved  = errors.New("port is not reserved")
	ErrInvalidRange = errors.New("invalid port range")
)

// Pool hands out the ports of a fixed range. Acquire always returns the lowest free port.
type Pool struct {
	start, end int

	mu       sync.Mutex
	free     portHeap
	reserved []bool // indexed by port - start
}

// New creates a pool for the inclusive range [start, end] with every port available
func New(start, end int) (*Pool, error) {
	if start <= 0 || end > maxPort || start > end {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}

	size := end - start + 1
	p := &Pool{
		start:    start,
		end:      end,
		free:     make(portHeap, 0, size),
		reserved: make([]bool, size),
	}
	// an ascending slice already satisfies the heap invariant
	for port := start; port <= end; port++ {
		p.free = append(p.free, port)
	}
	return p, nil
}

// Acquire reserves the lowest available port
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free.Len() == 0 {
		return 0, ErrExhausted
	}

	port := heap.Pop(&p.free).(int)
	p.reserved[port-p.start] = true
	return port, nil
}

// Release makes a reserved port available again. Releasing a port outside of the range or a port that is
// not reserved does not change the pool, the returned error only describes the condition.
func (p *Pool) Release(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.start || port > p.end {
		return fmt.Errorf("%w: %d", ErrOutOfRange, port)
	}

	if !p.reserved[port-p.start] {
		return fmt.Errorf("%w: %d", ErrNotReserved, port)
	}

	p.reserved[port-p.start] = false
	heap.Push(&p.free, port)
	return nil
}

// Available returns the number of free ports
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// Size returns the number of ports in the range
func (p *Pool) Size() int {
	return p.end - p.start + 1
}

func (p *Pool) String() string {
	return fmt.Sprintf("[%d, %d]", p.start, p.end)
}

type portHeap []int

func (h portHeap) Len() int           { return len(h) }
func (h portHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h portHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *portHeap) Push(x any) {
	*h = append(*h, x.(int))
}

func (h *portHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
