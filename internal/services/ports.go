package services

import (
	"fmt"
	"sync"

	"github.com/ccmux/ccmux/internal/apperr"
	"github.com/ccmux/ccmux/internal/logger"
)

// PortAllocator hands out loopback ports for terminal gateways from a
// fixed range. Allocation is lowest-free with wrap-around so released
// ports get reused before the range is exhausted.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	max   int
	next  int
	// leases maps port -> owning session ID
	leases map[int]string
}

// NewPortAllocator creates an allocator over [start, max] inclusive
func NewPortAllocator(start, max int) *PortAllocator {
	return &PortAllocator{
		start:  start,
		max:    max,
		next:   start,
		leases: make(map[int]string),
	}
}

// Acquire leases the lowest free port at or after the cursor, wrapping
// around once. When every port is leased it returns NoFreePort.
func (p *PortAllocator) Acquire(sid string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.start + 1
	for i := 0; i < size; i++ {
		port := p.start + (p.next-p.start+i)%size
		if _, taken := p.leases[port]; taken {
			continue
		}
		p.leases[port] = sid
		p.next = p.start + (port-p.start+1)%size
		logger.Debugf("🔌 Allocated gateway port %d for session %s", port, sid)
		return port, nil
	}

	return 0, apperr.New(apperr.NoFreePort, "no free gateway port in range %d-%d", p.start, p.max)
}

// Seed records an existing lease, used when a running gateway is
// rediscovered after a restart
func (p *PortAllocator) Seed(port int, sid string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.start || port > p.max {
		return fmt.Errorf("port %d outside range %d-%d", port, p.start, p.max)
	}
	if owner, taken := p.leases[port]; taken && owner != sid {
		return apperr.New(apperr.Conflict, "port %d already leased to session %s", port, owner)
	}
	p.leases[port] = sid
	return nil
}

// Release frees a leased port. Releasing a free port is a no-op.
func (p *PortAllocator) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sid, taken := p.leases[port]; taken {
		delete(p.leases, port)
		logger.Debugf("🔌 Released gateway port %d (session %s)", port, sid)
	}
}

// Owner returns the session holding port, if any
func (p *PortAllocator) Owner(port int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sid, ok := p.leases[port]
	return sid, ok
}

// InUse returns the number of leased ports
func (p *PortAllocator) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}
