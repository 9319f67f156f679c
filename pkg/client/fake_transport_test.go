package client_test

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
)

var (
	errWriteBroken = errors.New("write broken")
	errConnClosed  = errors.New("use of closed connection")
)

// fakeConn is an in-memory transport.Conn. Frames pushed with deliver are
// returned by Read; frames written by the client are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}

	mu        sync.Mutex
	written   [][]byte
	failAt    int // index of the first write to fail, -1 for never
	onWrite   func(frame []byte)
	closeCode int
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{}), failAt: -1}
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-f.in:
		return frame, nil
	case <-f.closed:
		f.mu.Lock()
		code := f.closeCode
		f.mu.Unlock()
		return nil, &transport.CloseError{Code: code}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Write(ctx context.Context, frame []byte) error {
	select {
	case <-f.closed:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	if f.failAt >= 0 && len(f.written) >= f.failAt {
		f.mu.Unlock()
		return errWriteBroken
	}
	f.written = append(f.written, append([]byte(nil), frame...))
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		hook(frame)
	}
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.shut(code)
	return nil
}

func (f *fakeConn) CloseNow() error {
	f.shut(transport.StatusAbnormalClosure)
	return nil
}

// drop simulates the peer closing the socket with code.
func (f *fakeConn) drop(code int) { f.shut(code) }

func (f *fakeConn) shut(code int) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.mu.Unlock()
		close(f.closed)
	})
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) deliver(frame string) { f.in <- []byte(frame) }

func (f *fakeConn) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) envelopes() []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, frame := range f.frames() {
		if env, err := envelope.Decode(frame); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (f *fakeConn) tagged(tag string) []*envelope.Envelope {
	var out []*envelope.Envelope
	for _, env := range f.envelopes() {
		if env.Tag() == envelope.Canonical(tag) {
			out = append(out, env)
		}
	}
	return out
}

// fakeDialer hands out fakeConns and counts attempts.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	fail    error
	hang    bool          // block until the dial context ends
	gate    chan struct{} // when set, Dial waits for it to close
	prepare func(*fakeConn)
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	fail, hang, gate, prepare := d.fail, d.hang, d.gate, d.prepare
	d.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}
	conn := newFakeConn()
	if prepare != nil {
		prepare(conn)
	}
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	return conn, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	d.fail = err
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
