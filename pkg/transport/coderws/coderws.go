// Package coderws implements transport.Dialer on github.com/coder/websocket.
package coderws

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
)

const defaultReadLimit = 1024 * 1024 // 1MB

// Dialer dials with websocket.Dial.
type Dialer struct {
	// Options are copied per dial; HTTPHeader is merged with the header passed to Dial.
	Options *websocket.DialOptions
	// ReadLimit bounds a single inbound frame. Zero means 1MB.
	ReadLimit int64
}

// Dial opens a connection to url.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	opts := &websocket.DialOptions{HTTPClient: http.DefaultClient}
	if d != nil && d.Options != nil {
		copied := *d.Options
		opts = &copied
	}
	if len(header) > 0 {
		merged := opts.HTTPHeader.Clone()
		if merged == nil {
			merged = http.Header{}
		}
		for k, vs := range header {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		opts.HTTPHeader = merged
	}

	conn, resp, err := websocket.Dial(ctx, url, opts)
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

// Conn wraps *websocket.Conn.
type Conn struct {
	conn *websocket.Conn
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, frame []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return translate(err)
	}
	return nil
}

func (c *Conn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *Conn) CloseNow() error {
	return c.conn.CloseNow()
}

func translate(err error) error {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Errorf("%w: %w", &transport.CloseError{Code: int(ce.Code), Reason: ce.Reason}, err)
	}
	return err
}
