// Package correlator matches inbound responses to outbound requests by correlation id.
package correlator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

var (
	// ErrTimeout marks a request that saw no response before its deadline.
	ErrTimeout = errors.New("request timed out")
	// ErrServer marks a response carrying a failure status.
	ErrServer = errors.New("server error")
	// ErrDuplicateID is returned when an id is already pending.
	ErrDuplicateID = errors.New("correlation id already pending")
)

// TimeoutError is the settlement of a request whose deadline passed.
type TimeoutError struct {
	ID    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.ID, e.After)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// ServerError is the settlement of a response with a non-zero or missing code.
type ServerError struct {
	ID       string
	Code     int
	Message  string
	Response *envelope.Envelope
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("server error for request %s (code %d): %s", e.ID, e.Code, msg)
}

func (e *ServerError) Unwrap() error { return ErrServer }

// Result is delivered exactly once per registered id.
type Result struct {
	Envelope *envelope.Envelope
	Err      error
}

type pending struct {
	ch    chan Result
	timer *time.Timer
}

// Correlator tracks pending requests. Each id settles exactly once, by
// response, timeout or explicit failure, whichever happens first.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pending
}

// New returns an empty correlator.
func New() *Correlator {
	return &Correlator{pending: make(map[string]*pending)}
}

// Register adds a pending entry that times out after timeout.
// The returned channel receives exactly one Result.
func (c *Correlator) Register(id string, timeout time.Duration) (<-chan Result, error) {
	if id == "" {
		return nil, errors.New("correlator: empty correlation id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	p := &pending{ch: make(chan Result, 1)}
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, Result{Err: &TimeoutError{ID: id, After: timeout}})
	})
	c.pending[id] = p
	return p.ch, nil
}

// Resolve settles the entry matching env.RequestID. It reports whether an
// entry was found; late or unsolicited responses return false.
func (c *Correlator) Resolve(env *envelope.Envelope) bool {
	if env.Succeeded() {
		return c.settle(env.RequestID, Result{Envelope: env})
	}
	status := env.Status()
	return c.settle(env.RequestID, Result{
		Envelope: env,
		Err:      &ServerError{ID: env.RequestID, Code: status.Code, Message: status.Message, Response: env},
	})
}

// Fail settles id with err.
func (c *Correlator) Fail(id string, err error) bool {
	return c.settle(id, Result{Err: err})
}

// FailAll settles every pending entry with err and returns how many there were.
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()
	for _, p := range all {
		p.timer.Stop()
		p.ch <- Result{Err: err}
	}
	return len(all)
}

// Len returns the number of pending entries.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(id string, res Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	p.ch <- res
	return true
}
