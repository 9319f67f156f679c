// Package reconnect schedules bounded, delayed reconnection attempts.
package reconnect

import (
	"sync"
	"time"

	"github.com/lightforgemedia/go-wslink/internal/sched"
)

// WebSocket close codes the policy distinguishes.
const (
	StatusNormalClosure   = 1000
	StatusAbnormalClosure = 1006
)

// Policy allows at most maxAttempts consecutive attempts, each fired after a
// fixed interval. Only one attempt is ever pending.
type Policy struct {
	interval    time.Duration
	maxAttempts int

	task sched.Task

	mu       sync.Mutex
	attempts int
}

// New creates a policy with a fixed delay and an attempt ceiling.
func New(interval time.Duration, maxAttempts int) *Policy {
	return &Policy{interval: interval, maxAttempts: maxAttempts}
}

// Schedule arms one attempt, replacing any pending one. When it fires the
// counter is incremented and fn receives the new attempt number. Schedule
// returns false once the ceiling is reached.
func (p *Policy) Schedule(fn func(attempt int)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempts >= p.maxAttempts {
		p.task.Cancel()
		return false
	}
	p.task.Schedule(p.interval, func() {
		p.mu.Lock()
		if p.attempts >= p.maxAttempts {
			p.mu.Unlock()
			return
		}
		p.attempts++
		n := p.attempts
		p.mu.Unlock()
		fn(n)
	})
	return true
}

// Reset zeroes the counter and cancels any pending attempt.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
	p.task.Cancel()
}

// Cancel drops the pending attempt without touching the counter.
func (p *Policy) Cancel() bool {
	return p.task.Cancel()
}

// Pending reports whether an attempt is armed.
func (p *Policy) Pending() bool {
	return p.task.Pending()
}

// Attempts returns the number of attempts fired since the last Reset.
func (p *Policy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Exhausted reports whether no further attempt may be scheduled.
func (p *Policy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts >= p.maxAttempts
}

// Recoverable reports whether a closure with code should be retried. A normal
// closure is retried only when onNormal is set.
func Recoverable(code int, onNormal bool) bool {
	if code == StatusNormalClosure {
		return onNormal
	}
	return true
}
