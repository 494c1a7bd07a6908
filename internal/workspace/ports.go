package workspace

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
)

var (
	ErrNoPortsAvailable = errors.New("no available ports found")
	ErrPortInUse        = errors.New("port already allocated")
)

// PortAllocator manages workspace-service ports for sessions.
type PortAllocator struct {
	// Map of session ID to allocated port
	allocated map[string]int
	// Track which ports are in use
	used map[int]string
	// Port range [start, start+count)
	start int
	count int
	// probe checks that nothing else on the host is bound to a port
	probe func(port int) bool
	mu    sync.Mutex
}

// NewPortAllocator allocates from [start, start+count).
func NewPortAllocator(start, count int) *PortAllocator {
	return &PortAllocator{
		allocated: make(map[string]int),
		used:      make(map[int]string),
		start:     start,
		count:     count,
		probe:     isPortAvailable,
	}
}

// SetProbe replaces the host availability check. Tests use it to avoid
// binding real sockets.
func (p *PortAllocator) SetProbe(probe func(port int) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probe = probe
}

// Allocate returns the session's port, allocating one if needed.
func (p *PortAllocator) Allocate(sessionID string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Check if session already has a port allocated
	if port, exists := p.allocated[sessionID]; exists {
		return port, nil
	}

	for offset := 0; offset < p.count; offset++ {
		port := p.start + offset

		// Skip if already used by another session
		if _, taken := p.used[port]; taken {
			continue
		}

		// Check if port is actually available on the system
		if p.probe(port) {
			p.used[port] = sessionID
			p.allocated[sessionID] = port
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w in %d-%d", ErrNoPortsAvailable, p.start, p.start+p.count-1)
}

// Reserve records a port chosen elsewhere, e.g. supplied by the caller or
// restored from an archived session.
func (p *PortAllocator) Reserve(sessionID string, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if owner, taken := p.used[port]; taken && owner != sessionID {
		return fmt.Errorf("%w: %d (session %s)", ErrPortInUse, port, owner)
	}
	if prev, exists := p.allocated[sessionID]; exists && prev != port {
		delete(p.used, prev)
	}
	p.used[port] = sessionID
	p.allocated[sessionID] = port
	return nil
}

// Release frees the session's port. Releasing an unknown session is a no-op.
func (p *PortAllocator) Release(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	port, exists := p.allocated[sessionID]
	if !exists {
		return
	}
	delete(p.used, port)
	delete(p.allocated, sessionID)
}

// PortFor returns the port allocated to a session.
func (p *PortAllocator) PortFor(sessionID string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	port, ok := p.allocated[sessionID]
	return port, ok
}

// InUse returns every allocated port in ascending order.
func (p *PortAllocator) InUse() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ports := make([]int, 0, len(p.used))
	for port := range p.used {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

// EnvFor returns environment variables exposing the port to the session.
func EnvFor(port int) []string {
	return []string{fmt.Sprintf("WORKSPACE_SERVICE_PORT=%d", port)}
}

// isPortAvailable checks if a port is available on the system
func isPortAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	defer listener.Close()
	return true
}
