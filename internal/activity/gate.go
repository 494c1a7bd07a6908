package activity

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// InputGate defers writes until Open is called. A freshly spawned shell may
// drop keystrokes that arrive before its line discipline is set up, so input
// is held until the session has produced output (or the inactivity fail-safe
// fires) and then flushed in the original order.
//
// mu guards the buffer and flags and is never held while forwarding.
// writeMu orders forwarded writes so flushed input is never overtaken.
type InputGate struct {
	mu      sync.Mutex
	writeMu sync.Mutex
	write   func([]byte) (int, error)
	open    atomic.Bool
	closed  atomic.Bool
	pending [][]byte
}

// NewInputGate returns a closed gate that forwards to write once opened.
func NewInputGate(write func([]byte) (int, error)) *InputGate {
	return &InputGate{write: write}
}

// Write forwards p when the gate is open and buffers a copy otherwise.
func (g *InputGate) Write(p []byte) (int, error) {
	g.mu.Lock()
	if g.closed.Load() {
		g.mu.Unlock()
		return 0, fmt.Errorf("input gate closed")
	}
	if !g.open.Load() {
		buf := make([]byte, len(p))
		copy(buf, p)
		g.pending = append(g.pending, buf)
		g.mu.Unlock()
		return len(p), nil
	}
	g.mu.Unlock()

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.closed.Load() {
		return 0, fmt.Errorf("input gate closed")
	}
	return g.write(p)
}

// Open flushes buffered input and lets later writes pass straight through.
// Only the first call flushes; it reports whether this call opened the gate.
// Calls after the gate is open return immediately.
func (g *InputGate) Open() (bool, error) {
	if g.open.Load() || g.closed.Load() {
		return false, nil
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	g.mu.Lock()
	if g.open.Load() || g.closed.Load() {
		g.mu.Unlock()
		return false, nil
	}
	g.open.Store(true)
	pending := g.pending
	g.pending = nil
	g.mu.Unlock()

	for i, chunk := range pending {
		if g.closed.Load() {
			return true, nil
		}
		if _, err := g.write(chunk); err != nil {
			return true, fmt.Errorf("flush deferred input (%d of %d): %w", i+1, len(pending), err)
		}
	}
	return true, nil
}

// Close discards anything still buffered and rejects further writes. It
// does not wait for a write already in progress.
func (g *InputGate) Close() {
	g.closed.Store(true)
	g.mu.Lock()
	g.pending = nil
	g.mu.Unlock()
}

// IsOpen reports whether deferred input has been released. It never blocks.
func (g *InputGate) IsOpen() bool {
	return g.open.Load()
}

// Pending returns the number of buffered writes.
func (g *InputGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
