// Package heartbeat detects a stale connection from application level probes.
package heartbeat

import (
	"sync"
	"time"

	"github.com/lightforgemedia/go-wslink/internal/sched"
)

// Monitor probes on a fixed interval while running. After each probe it waits
// timeout for a liveness signal; if none arrives, expire is called once and the
// monitor stops.
type Monitor struct {
	interval time.Duration
	timeout  time.Duration
	probe    func(ts int64)
	expire   func()
	now      func() time.Time

	tick     sched.Task
	deadline sched.Task

	mu       sync.Mutex
	running  bool
	lastSeen time.Time
	probeAt  time.Time
	probeTS  int64
}

// New creates a stopped monitor. probe sends one heartbeat frame carrying ts;
// expire force-closes the connection.
func New(interval, timeout time.Duration, probe func(ts int64), expire func()) *Monitor {
	return &Monitor{
		interval: interval,
		timeout:  timeout,
		probe:    probe,
		expire:   expire,
		now:      time.Now,
	}
}

// Start marks liveness now and arms the interval, replacing any prior run.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline.Cancel()
	m.running = true
	m.lastSeen = m.now()
	m.probeAt = time.Time{}
	m.probeTS = 0
	if m.interval > 0 {
		m.tick.Schedule(m.interval, m.onTick)
	} else {
		m.tick.Cancel()
	}
}

// Stop cancels both timers.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.tick.Cancel()
	m.deadline.Cancel()
}

// Running reports whether the monitor is armed.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Touch records a liveness signal.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastSeen = m.now()
	m.mu.Unlock()
}

// LastSeen returns the time of the last liveness signal.
func (m *Monitor) LastSeen() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

// IsProbeReply reports whether ts is the timestamp of our latest probe.
func (m *Monitor) IsProbeReply(ts int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probeTS != 0 && ts == m.probeTS
}

func (m *Monitor) onTick() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.tick.Schedule(m.interval, m.onTick)
	if !m.probeAt.IsZero() && m.lastSeen.Before(m.probeAt) {
		// Previous probe still unanswered; its deadline decides.
		m.mu.Unlock()
		return
	}
	now := m.now()
	m.probeAt = now
	m.probeTS = now.UnixMilli()
	ts := m.probeTS
	m.deadline.Schedule(m.timeout, m.onDeadline)
	m.mu.Unlock()

	m.probe(ts)
}

func (m *Monitor) onDeadline() {
	m.mu.Lock()
	stale := m.running && m.lastSeen.Before(m.probeAt)
	if stale {
		m.running = false
		m.tick.Cancel()
	}
	m.mu.Unlock()
	if stale {
		m.expire()
	}
}
