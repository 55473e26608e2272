// Package liveness tracks whether the feed is still producing updates.
//
// The feed never sends an explicit heartbeat: every delivered snapshot counts
// as proof of life and re-arms a single expiry timer. The monitor is ONLINE
// from an update at T until T+timeout, then OFFLINE until the next update.
package liveness

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTimeout is the silence after which the feed is considered offline
const DefaultTimeout = 10 * time.Second

// State is the liveness of the feed
type State int32

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Monitor is a reset-on-update dead-man's switch
type Monitor struct {
	clock   Clock
	timeout time.Duration

	// deadline is when the current window closes; nil before the first
	// update and once the timer has fired
	deadline atomic.Pointer[time.Time]

	mu         sync.Mutex
	timer      Timer
	gen        uint64
	lastUpdate time.Time
	onExpire   func()
	stopped    bool
}

// NewMonitor creates an OFFLINE monitor. A nil clock means the system clock.
func NewMonitor(timeout time.Duration, clock Clock) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	return &Monitor{clock: clock, timeout: timeout}
}

// OnExpire registers f to run, on the timer goroutine, each time a window
// closes without a newer update
func (m *Monitor) OnExpire(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = f
}

// Timeout returns the configured window
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Touch records an update: the monitor goes ONLINE and the expiry timer is
// replaced. It reports whether this update brought the feed back online.
func (m *Monitor) Touch() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	cameOnline := !m.onlineAt(now)

	m.lastUpdate = now
	deadline := now.Add(m.timeout)
	m.deadline.Store(&deadline)
	if m.stopped {
		return cameOnline
	}

	if m.timer != nil {
		m.timer.Stop()
	}
	m.gen++
	gen := m.gen
	m.timer = m.clock.AfterFunc(m.timeout, func() { m.expire(gen) })
	return cameOnline
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.stopped {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.deadline.Store(nil)
	f := m.onExpire
	m.mu.Unlock()

	if f != nil {
		f()
	}
}

// State returns the current liveness without waiting on writers
func (m *Monitor) State() State {
	if m.onlineAt(m.clock.Now()) {
		return Online
	}
	return Offline
}

// Online is shorthand for State() == Online
func (m *Monitor) Online() bool {
	return m.State() == Online
}

func (m *Monitor) onlineAt(now time.Time) bool {
	deadline := m.deadline.Load()
	return deadline != nil && now.Before(*deadline)
}

// LastUpdate returns the time of the most recent update, zero if none
func (m *Monitor) LastUpdate() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUpdate
}

// Stop cancels the pending timer. State keeps answering from the clock.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
