package testutil

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
)

// Responder builds the reply to one decoded inbound envelope. Returning nil
// sends nothing.
type Responder func(env *envelope.Envelope) *envelope.Envelope

// MockServer is a WebSocket server that records every frame a client sends.
type MockServer struct {
	T      *testing.T
	Server *httptest.Server
	WsURL  string

	mu        sync.Mutex
	conn      *websocket.Conn
	cancel    context.CancelFunc
	responder Responder
	frames    [][]byte
	accepts   int
	rejecting bool
}

// NewMockServer starts a server that answers with responder, which may be nil.
func NewMockServer(t *testing.T, responder Responder) *MockServer {
	t.Helper()
	ms := &MockServer{T: t, responder: responder}
	ms.Server = httptest.NewServer(http.HandlerFunc(ms.serve))
	ms.WsURL = "ws" + strings.TrimPrefix(ms.Server.URL, "http")
	t.Cleanup(ms.Close)
	return ms
}

func (ms *MockServer) serve(w http.ResponseWriter, r *http.Request) {
	ms.mu.Lock()
	if ms.rejecting {
		ms.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ms.mu.Unlock()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		ms.T.Logf("MockServer: accept error: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ms.mu.Lock()
	if ms.conn != nil {
		ms.conn.CloseNow()
	}
	ms.conn = conn
	ms.cancel = cancel
	ms.accepts++
	ms.mu.Unlock()

	defer func() {
		ms.mu.Lock()
		if ms.conn == conn {
			ms.conn = nil
			ms.cancel = nil
		}
		ms.mu.Unlock()
		conn.CloseNow()
	}()

	for {
		_, frame, err := conn.Read(ctx)
		if err != nil {
			return
		}
		ms.mu.Lock()
		ms.frames = append(ms.frames, frame)
		responder := ms.responder
		ms.mu.Unlock()

		env, err := envelope.Decode(frame)
		if err != nil || responder == nil {
			continue
		}
		if reply := responder(env); reply != nil {
			if err := ms.Send(reply); err != nil {
				ms.T.Logf("MockServer: reply failed: %v", err)
			}
		}
	}
}

// Handle replaces the responder.
func (ms *MockServer) Handle(responder Responder) {
	ms.mu.Lock()
	ms.responder = responder
	ms.mu.Unlock()
}

// Send writes an envelope to the current connection. It is a no-op without one.
func (ms *MockServer) Send(env *envelope.Envelope) error {
	frame, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return ms.SendRaw(frame)
}

// SendRaw writes frame verbatim.
func (ms *MockServer) SendRaw(frame []byte) error {
	ms.mu.Lock()
	conn := ms.conn
	ms.mu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Frames returns a copy of every frame received so far.
func (ms *MockServer) Frames() [][]byte {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	out := make([][]byte, len(ms.frames))
	copy(out, ms.frames)
	return out
}

// Received decodes the recorded frames, skipping any that are malformed.
func (ms *MockServer) Received() []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, frame := range ms.Frames() {
		if env, err := envelope.Decode(frame); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// ReceivedTag returns the recorded envelopes with the given type tag.
func (ms *MockServer) ReceivedTag(tag string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range ms.Received() {
		if env.Tag() == envelope.Canonical(tag) {
			out = append(out, env)
		}
	}
	return out
}

// Accepts returns how many connections were upgraded.
func (ms *MockServer) Accepts() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.accepts
}

// Connected reports whether a client connection is open.
func (ms *MockServer) Connected() bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.conn != nil
}

// SetRejecting makes the server answer new handshakes with 503.
func (ms *MockServer) SetRejecting(reject bool) {
	ms.mu.Lock()
	ms.rejecting = reject
	ms.mu.Unlock()
}

// CloseCurrentConnection closes the open connection with code. Any code other
// than a normal closure drops the socket without a handshake.
func (ms *MockServer) CloseCurrentConnection(code websocket.StatusCode) {
	ms.mu.Lock()
	conn, cancel := ms.conn, ms.cancel
	ms.conn, ms.cancel = nil, nil
	ms.mu.Unlock()
	if conn == nil {
		return
	}
	if code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway {
		go conn.Close(code, "test closing connection")
		return
	}
	conn.CloseNow()
	if cancel != nil {
		cancel()
	}
}

// Close stops the server.
func (ms *MockServer) Close() {
	ms.CloseCurrentConnection(websocket.StatusAbnormalClosure)
	ms.Server.Close()
}
