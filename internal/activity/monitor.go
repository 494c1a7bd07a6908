// Package activity tracks whether a session is producing output.
//
// A Monitor is a single-shot inactivity timer that is cancelled and
// rescheduled on every Touch. When it fires without having been touched the
// monitor flips from active to idle and calls its OnInactive callback once.
// The next Touch flips it back to active.
//
// An InputGate holds keystrokes for a session until the session is known to
// be ready to receive them.
package activity

import (
	"sync"
	"time"
)

// DefaultThreshold is used when a Monitor is created with a non-positive
// threshold.
const DefaultThreshold = 2 * time.Second

// Monitor is safe for concurrent use. The OnInactive callback is invoked
// without the monitor lock held, so it may call back into the Monitor.
type Monitor struct {
	mu         sync.Mutex
	threshold  time.Duration
	onInactive func()

	timer   *time.Timer
	gen     uint64
	active  bool
	started bool
	stopped bool
	lastAt  time.Time
	idles   int
}

// NewMonitor creates a stopped monitor. Call Start to arm it.
func NewMonitor(threshold time.Duration, onInactive func()) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		threshold:  threshold,
		onInactive: onInactive,
	}
}

// Start marks the monitor active and arms the timer. Calling Start on a
// stopped monitor has no effect.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.started = true
	m.active = true
	m.lastAt = time.Now()
	m.armLocked()
}

// Touch records activity: the monitor becomes active and the timer is
// rescheduled from now. It reports whether the monitor was idle before.
func (m *Monitor) Touch() (wasIdle bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	wasIdle = m.started && !m.active
	m.started = true
	m.active = true
	m.lastAt = time.Now()
	m.armLocked()
	return wasIdle
}

// Stop cancels the timer permanently. A stopped monitor never fires again.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	m.active = false
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Active reports whether output was seen within the threshold.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// LastActivity returns the time of the last Start or Touch.
func (m *Monitor) LastActivity() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAt
}

// IdleTransitions returns how many times the monitor has gone idle.
func (m *Monitor) IdleTransitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idles
}

// Threshold returns the configured inactivity threshold.
func (m *Monitor) Threshold() time.Duration {
	return m.threshold
}

func (m *Monitor) armLocked() {
	m.gen++
	gen := m.gen
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.threshold, func() { m.fire(gen) })
}

// fire runs on the timer goroutine. A firing whose generation no longer
// matches was superseded by a Touch or Stop and is dropped.
func (m *Monitor) fire(gen uint64) {
	m.mu.Lock()
	if m.stopped || gen != m.gen || !m.active {
		m.mu.Unlock()
		return
	}
	m.active = false
	m.idles++
	m.timer = nil
	cb := m.onInactive
	m.mu.Unlock()

	if cb != nil {
		cb()
	}
}
