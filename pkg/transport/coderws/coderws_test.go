package coderws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer echoes one frame, then closes with the code from the "close" query parameter.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, typ, data); err != nil {
			return
		}
		if r.URL.Query().Get("close") == "going-away" {
			conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialEchoAndPeerClose(t *testing.T) {
	url := echoServer(t) + "?close=going-away"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := &Dialer{}
	conn, err := d.Dial(ctx, url, http.Header{"X-Test": []string{"1"}})
	require.NoError(t, err)
	defer conn.CloseNow()

	require.NoError(t, conn.Write(ctx, []byte(`{"biztype":"PING"}`)))
	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"biztype":"PING"}`, string(got))

	_, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, transport.StatusGoingAway, transport.CloseStatus(err))
}

func TestDialRefused(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := (&Dialer{}).Dial(ctx, "ws://127.0.0.1:1/ws", nil)
	assert.Error(t, err)
}

func TestCloseNowUnblocksRead(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := (&Dialer{}).Dial(ctx, url, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Read(context.Background())
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.CloseNow())

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.Equal(t, transport.StatusAbnormalClosure, transport.CloseStatus(err))
	case <-time.After(time.Second):
		t.Fatal("read not unblocked by CloseNow")
	}
}
