// Package client implements a persistent, self-healing connection to a JSON
// message server: connect state machine, bounded reconnection, heartbeat
// liveness, queueing while offline and correlated request/response exchanges.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/correlator"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/lightforgemedia/go-wslink/pkg/heartbeat"
	"github.com/lightforgemedia/go-wslink/pkg/outbox"
	"github.com/lightforgemedia/go-wslink/pkg/reconnect"
	"github.com/lightforgemedia/go-wslink/pkg/registry"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
)

// Client holds one logical connection. All methods are safe for concurrent use.
type Client struct {
	cfg    clientConfig
	url    string
	id     string
	logger *slog.Logger

	registry   *registry.Registry
	correlator *correlator.Correlator
	queue      *outbox.Queue
	monitor    *heartbeat.Monitor
	policy     *reconnect.Policy
	events     *eventBus

	// writeMu serializes frames on the wire. It is always taken before mu.
	writeMu sync.Mutex
	// emitMu keeps state events in transition order. It is taken after mu.
	emitMu sync.Mutex

	mu            sync.Mutex
	state         State
	conn          transport.Conn
	connGen       uint64
	inflight      *connectCall
	dialCancel    context.CancelFunc
	autoReconnect bool
	closed        bool
	token         string
	pendingEvents []StateEvent
}

// connectCall is one in-flight connect attempt shared by every caller.
type connectCall struct {
	done chan struct{}
	err  error
}

// New creates a disconnected client for url. Nothing is dialed until Connect,
// Send or Request is called.
func New(url string, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if url == "" {
		url = DefaultURL
	}

	c := &Client{
		cfg:           cfg,
		url:           url,
		id:            envelope.GenerateID()[:8],
		correlator:    correlator.New(),
		queue:         outbox.New(),
		policy:        reconnect.New(cfg.reconnectInterval, cfg.maxReconnectAttempts),
		events:        newEventBus(cfg.eventBuffer),
		autoReconnect: cfg.autoReconnect,
		token:         cfg.token,
	}
	c.logger = cfg.logger.With("client_id", c.id)

	regOpts := []registry.Option{registry.WithLogger(c.logger)}
	if cfg.onDispatchError != nil {
		regOpts = append(regOpts, registry.WithErrorHook(cfg.onDispatchError))
	}
	c.registry = registry.New(regOpts...)
	c.monitor = heartbeat.New(cfg.heartbeatInterval, cfg.heartbeatTimeout, c.probe, c.onLivenessTimeout)
	return c
}

// Dial creates a client and waits for the first connection.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := New(url, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// ID returns the identifier used in log records.
func (c *Client) ID() string { return c.id }

// URL returns the server address.
func (c *Client) URL() string { return c.url }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the transport is open.
func (c *Client) Connected() bool {
	return c.State() == StateConnected
}

// Pending returns the number of frames queued for the next connection.
func (c *Client) Pending() int {
	return c.queue.Len()
}

// ReconnectAttempts returns the attempts fired since the last successful connect.
func (c *Client) ReconnectAttempts() int {
	return c.policy.Attempts()
}

// SetToken replaces the credential stamped on outbound envelopes.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current credential.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Connect opens the connection. It returns nil at once when already connected
// and joins the running attempt when one is in flight. ctx only bounds the
// wait; the attempt itself is bounded by the connect timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	call := c.inflight
	if call == nil {
		c.policy.Cancel()
		call = c.startConnectLocked()
	}
	c.unlockAndEmit()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) startConnectLocked() *connectCall {
	call := &connectCall{done: make(chan struct{})}
	c.inflight = call
	c.setStateLocked(StateConnecting, nil, 0)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.connectTimeout)
	c.dialCancel = cancel
	go c.dial(ctx, cancel, call)
	return call
}

func (c *Client) dial(ctx context.Context, cancel context.CancelFunc, call *connectCall) {
	defer cancel()
	c.logger.Info("Connecting", "url", c.url)

	conn, err := c.cfg.dialer.Dial(ctx, c.url, c.cfg.header)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, c.cfg.connectTimeout, err)
		}
		c.failConnect(call, &ConnectionError{URL: c.url, Err: err})
		return
	}
	c.finishConnect(conn, call)
}

func (c *Client) failConnect(call *connectCall, err error) {
	c.mu.Lock()
	if c.inflight == call {
		c.inflight = nil
		c.dialCancel = nil
	}
	if c.closed {
		err = ErrClosed
	} else {
		c.logger.Warn("Connect failed", "url", c.url, "error", err)
		c.failLocked(err, transport.StatusAbnormalClosure)
	}
	c.unlockAndEmit()

	call.err = err
	close(call.done)
}

// finishConnect runs the open sequence: reset the retry counter, flush the
// queue in order, then report success and start the heartbeat.
func (c *Client) finishConnect(conn transport.Conn, call *connectCall) {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		if c.inflight == call {
			c.inflight = nil
			c.dialCancel = nil
		}
		c.mu.Unlock()
		c.writeMu.Unlock()
		conn.Close(transport.StatusNormalClosure, "client closed")
		call.err = ErrClosed
		close(call.done)
		return
	}
	c.connGen++
	gen := c.connGen
	c.conn = conn
	c.inflight = nil
	c.dialCancel = nil
	c.policy.Reset()
	c.mu.Unlock()

	for {
		frames := c.queue.Drain()
		if len(frames) == 0 {
			c.mu.Lock()
			if c.queue.Len() == 0 {
				break
			}
			c.mu.Unlock()
			continue
		}
		for i, frame := range frames {
			if err := c.writeFrame(conn, frame); err != nil {
				c.abortConnect(conn, gen, call, frames[i:], err)
				return
			}
		}
		c.logger.Debug("Flushed queued frames", "count", len(frames))
	}

	// mu is held here, taken by the empty-queue check above.
	if c.closed || c.connGen != gen {
		c.mu.Unlock()
		c.writeMu.Unlock()
		call.err = ErrClosed
		close(call.done)
		return
	}
	c.setStateLocked(StateConnected, nil, 0)
	c.monitor.Start()
	c.unlockAndEmit()
	c.writeMu.Unlock()

	c.logger.Info("Connected", "url", c.url)
	go c.readPump(conn, gen)
	call.err = nil
	close(call.done)
}

// abortConnect handles a write failure while flushing. Unsent frames go back to
// the front of the queue. Called with writeMu held; releases it.
func (c *Client) abortConnect(conn transport.Conn, gen uint64, call *connectCall, unsent [][]byte, cause error) {
	c.mu.Lock()
	err := error(&ConnectionError{URL: c.url, Err: cause})
	if c.closed || c.connGen != gen {
		err = ErrClosed
	} else {
		c.queue.Requeue(unsent)
		c.monitor.Stop()
		c.conn = nil
		c.connGen++
		c.logger.Warn("Flush failed, connection dropped", "requeued", len(unsent), "error", cause)
		c.failLocked(err, transport.StatusAbnormalClosure)
	}
	c.unlockAndEmit()
	c.writeMu.Unlock()

	conn.CloseNow()
	call.err = err
	close(call.done)
}

func (c *Client) readPump(conn transport.Conn, gen uint64) {
	for {
		frame, err := conn.Read(context.Background())
		if err != nil {
			c.handleDisconnect(gen, transport.CloseStatus(err), err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame []byte) {
	env, err := envelope.Decode(frame)
	if err != nil {
		c.logger.Warn("Dropping malformed frame", "error", err)
		return
	}
	c.logger.Debug("Received envelope", "tag", env.Tag(), "request_id", env.RequestID)

	if env.RequestID != "" {
		if !c.correlator.Resolve(env) {
			c.logger.Debug("Ignoring response without pending request", "request_id", env.RequestID)
		}
		return
	}

	tag := env.Tag()
	if c.handleControl(tag, env) && !c.registry.HasHandler(tag) && c.registry.ListenerCount(tag) == 0 {
		return
	}
	c.registry.Dispatch(env)
}

// handleControl answers the liveness frames. It reports whether tag is one of them.
func (c *Client) handleControl(tag string, env *envelope.Envelope) bool {
	switch tag {
	case envelope.TagPing:
		c.monitor.Touch()
		c.sendControl(envelope.Pong())
	case envelope.TagPong:
		c.monitor.Touch()
	case envelope.TagHeartbeat:
		c.monitor.Touch()
		// A heartbeat carrying our probe timestamp is the answer to it.
		if !c.monitor.IsProbeReply(env.Timestamp) {
			ts := env.Timestamp
			if ts == 0 {
				ts = time.Now().UnixMilli()
			}
			c.sendControl(envelope.Heartbeat(ts))
		}
	default:
		return false
	}
	return true
}

// handleDisconnect tears down connection gen. Stale generations are ignored.
func (c *Client) handleDisconnect(gen uint64, code int, cause error) {
	c.mu.Lock()
	if gen != c.connGen || c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connGen++
	c.monitor.Stop()
	c.logger.Info("Disconnected", "code", code, "error", cause)
	c.setStateLocked(StateDisconnected, cause, code)
	if !c.closed {
		c.scheduleReconnectLocked(code)
	}
	c.unlockAndEmit()

	conn.CloseNow()
}

// failLocked records a failed open. The client stays in StateError while a
// reconnect is pending and settles in StateDisconnected when none is.
func (c *Client) failLocked(err error, code int) {
	c.setStateLocked(StateError, err, code)
	if !c.scheduleReconnectLocked(code) {
		c.setStateLocked(StateDisconnected, err, code)
	}
}

// scheduleReconnectLocked reports whether an attempt was scheduled.
func (c *Client) scheduleReconnectLocked(code int) bool {
	if !c.autoReconnect {
		return false
	}
	if !reconnect.Recoverable(code, c.cfg.reconnectOnNormalClosure) {
		c.logger.Info("Normal closure, not reconnecting", "code", code)
		return false
	}
	if !c.policy.Schedule(c.reconnectAttempt) {
		c.logger.Warn("Reconnect attempts exhausted", "attempts", c.policy.Attempts())
		return false
	}
	c.logger.Debug("Reconnect scheduled", "interval", c.cfg.reconnectInterval)
	return true
}

func (c *Client) reconnectAttempt(attempt int) {
	c.mu.Lock()
	if c.closed || c.state == StateConnected || c.inflight != nil {
		c.mu.Unlock()
		return
	}
	c.logger.Info("Reconnecting", "attempt", attempt, "max", c.cfg.maxReconnectAttempts)
	c.startConnectLocked()
	c.unlockAndEmit()
}

func (c *Client) probe(ts int64) {
	c.sendControl(envelope.Heartbeat(ts))
}

func (c *Client) onLivenessTimeout() {
	c.mu.Lock()
	gen := c.connGen
	c.mu.Unlock()
	c.logger.Warn("Heartbeat timeout, closing connection", "timeout", c.cfg.heartbeatTimeout)
	c.handleDisconnect(gen, transport.StatusAbnormalClosure, ErrLivenessTimeout)
}

// Send transmits payload. While disconnected the frame is queued, a background
// connect is started if none is running or scheduled, and nil is returned.
// payload may be an *envelope.Envelope, envelope.Envelope, []byte, string,
// json.RawMessage or any value encoding/json can marshal.
func (c *Client) Send(payload interface{}) error {
	frame, err := c.encode(payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected {
		c.queue.Push(frame)
		if c.inflight == nil && !c.policy.Pending() {
			c.startConnectLocked()
		}
		c.unlockAndEmit()
		c.logger.Debug("Queued frame while disconnected", "queued", c.queue.Len())
		return nil
	}
	conn, gen := c.conn, c.connGen
	c.mu.Unlock()

	return c.write(conn, gen, frame)
}

// sendControl writes a liveness frame on the current connection. Control
// frames are never queued.
func (c *Client) sendControl(env *envelope.Envelope) {
	frame, err := envelope.Encode(env)
	if err != nil {
		c.logger.Error("Failed to encode control frame", "tag", env.Tag(), "error", err)
		return
	}
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		c.logger.Debug("Dropping control frame while disconnected", "tag", env.Tag())
		return
	}
	conn, gen := c.conn, c.connGen
	c.mu.Unlock()

	if err := c.write(conn, gen, frame); err != nil {
		c.logger.Warn("Failed to send control frame", "tag", env.Tag(), "error", err)
	}
}

func (c *Client) write(conn transport.Conn, gen uint64, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	stale := gen != c.connGen
	c.mu.Unlock()
	if stale {
		return &SendError{Err: ErrNotConnected}
	}
	if err := c.writeFrame(conn, frame); err != nil {
		return &SendError{Err: err}
	}
	return nil
}

func (c *Client) writeFrame(conn transport.Conn, frame []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.writeTimeout)
	defer cancel()
	return conn.Write(ctx, frame)
}

func (c *Client) encode(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil payload", ErrProtocol)
	case *envelope.Envelope:
		return c.encodeEnvelope(*p)
	case envelope.Envelope:
		return c.encodeEnvelope(p)
	case json.RawMessage:
		return append([]byte(nil), p...), nil
	case []byte:
		// Copied: a queued frame must not change if the caller reuses the buffer.
		return append([]byte(nil), p...), nil
	case string:
		return []byte(p), nil
	default:
		frame, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return frame, nil
	}
}

// encodeEnvelope works on a copy so the caller's envelope is not stamped.
func (c *Client) encodeEnvelope(env envelope.Envelope) ([]byte, error) {
	if env.Token == "" {
		env.Token = c.Token()
	}
	frame, err := envelope.Encode(&env)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// Request sends an envelope tagged tag with a fresh requestId and waits for the
// response carrying the same id.
func (c *Client) Request(ctx context.Context, tag string, data interface{}) (*envelope.Envelope, error) {
	env, err := envelope.New(tag, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	env.RequestID = envelope.GenerateID()
	return c.roundTrip(ctx, env, env.RequestID)
}

func (c *Client) roundTrip(ctx context.Context, env *envelope.Envelope, id string) (*envelope.Envelope, error) {
	ch, err := c.correlator.Register(id, c.cfg.requestTimeout)
	if err != nil {
		return nil, err
	}
	if err := c.Send(env); err != nil {
		c.correlator.Fail(id, err)
		return nil, err
	}

	select {
	case res := <-ch:
		return res.Envelope, res.Err
	case <-ctx.Done():
		c.correlator.Fail(id, ctx.Err())
		return nil, ctx.Err()
	}
}

// On sets the primary handler for tag, replacing any previous one.
func (c *Client) On(tag string, h registry.Handler) error {
	return c.registry.Handle(tag, h)
}

// Off removes the primary handler for tag.
func (c *Client) Off(tag string) bool {
	return c.registry.Remove(tag)
}

// Listen adds a listener for tag that runs after the primary handler. The
// returned function removes only this listener.
func (c *Client) Listen(tag string, h registry.Handler) (func(), error) {
	return c.registry.Listen(tag, h)
}

// SubscribeState delivers every state transition until cancel is called or the
// client is closed. Subscribers must keep draining the channel; a stalled
// subscriber eventually stalls the client.
func (c *Client) SubscribeState() (<-chan StateEvent, func()) {
	return c.events.subscribe()
}

// Close shuts the client down for good. Reconnection is disabled, every timer
// is cancelled, the socket is closed with status 1000, queued frames are
// discarded and pending requests fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.autoReconnect = false
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.monitor.Stop()
	c.policy.Cancel()
	conn := c.conn
	c.conn = nil
	c.connGen++
	dropped := c.queue.Clear()
	c.setStateLocked(StateDisconnected, ErrClosed, transport.StatusNormalClosure)
	c.unlockAndEmit()

	failed := c.correlator.FailAll(ErrClosed)
	if conn != nil {
		if err := conn.Close(transport.StatusNormalClosure, "client closed"); err != nil {
			c.logger.Debug("Close handshake failed", "error", err)
		}
	}
	c.events.shutdown()
	c.logger.Info("Client closed", "dropped_frames", dropped, "failed_requests", failed)
	return nil
}

func (c *Client) setStateLocked(s State, err error, code int) {
	if c.state == s && err == nil {
		return
	}
	c.pendingEvents = append(c.pendingEvents, StateEvent{Previous: c.state, Current: s, Err: err, Code: code})
	c.state = s
}

// unlockAndEmit releases mu and publishes the transitions recorded under it.
func (c *Client) unlockAndEmit() {
	evs := c.pendingEvents
	c.pendingEvents = nil
	if len(evs) == 0 {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, ev := range evs {
		c.events.publish(ev)
	}
}
