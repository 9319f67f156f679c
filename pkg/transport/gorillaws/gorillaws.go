// Package gorillaws implements transport.Dialer on github.com/gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
)

const (
	defaultReadLimit = 1024 * 1024
	closeGrace       = 500 * time.Millisecond
)

// Dialer dials with a gorilla websocket.Dialer.
type Dialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer    *websocket.Dialer
	ReadLimit int64
}

// Dial opens a connection to url.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	dialer := websocket.DefaultDialer
	if d != nil && d.Dialer != nil {
		dialer = d.Dialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s failed: %w (status: %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s failed: %w", url, err)
	}
	limit := int64(defaultReadLimit)
	if d != nil && d.ReadLimit > 0 {
		limit = d.ReadLimit
	}
	conn.SetReadLimit(limit)
	return &Conn{conn: conn}, nil
}

// Conn wraps *websocket.Conn. Gorilla allows one concurrent writer, so writes
// and control frames share writeMu.
type Conn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Time{}
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return translate(err)
	}
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	c.writeMu.Unlock()
	cerr := c.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

func (c *Conn) CloseNow() error {
	return c.conn.Close()
}

func translate(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", &transport.CloseError{Code: ce.Code, Reason: ce.Text}, err)
	}
	return err
}
