// Package transport abstracts the socket used by the client so that the
// connection manager can own exactly one handle regardless of the library
// behind it.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Close codes from RFC 6455 used by the client.
const (
	StatusNormalClosure   = 1000
	StatusGoingAway       = 1001
	StatusAbnormalClosure = 1006
)

// Conn is one open socket carrying text frames.
type Conn interface {
	// Read blocks until the next frame arrives or the connection ends.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one frame.
	Write(ctx context.Context, frame []byte) error
	// Close performs the closing handshake with code and reason.
	Close(code int, reason string) error
	// CloseNow tears the connection down without a handshake.
	CloseNow() error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// CloseError reports that the peer ended the connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: status = %d and reason = %q", e.Code, e.Reason)
}

// CloseStatus returns the close code carried by err, or StatusAbnormalClosure
// when the connection ended without a close frame.
func CloseStatus(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return StatusAbnormalClosure
}
