package client_test

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/lightforgemedia/go-wslink/pkg/client"
	"github.com/lightforgemedia/go-wslink/pkg/correlator"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/lightforgemedia/go-wslink/pkg/testutil"
	"github.com/lightforgemedia/go-wslink/pkg/transport"
	"github.com/lightforgemedia/go-wslink/pkg/transport/gorillaws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadResponder stores nothing and answers every upload with a URL derived
// from its type. Requests tagged "query" are answered with their requestId.
func uploadResponder(t *testing.T) testutil.Responder {
	return func(env *envelope.Envelope) *envelope.Envelope {
		code := 0
		switch env.Tag() {
		case envelope.TagUpload:
			var req envelope.UploadRequest
			if err := env.DecodeData(&req); err != nil {
				t.Errorf("bad upload body: %v", err)
				return nil
			}
			if _, err := base64.StdEncoding.DecodeString(req.File); err != nil {
				t.Errorf("upload file is not base64: %v", err)
			}
			resp := &envelope.Envelope{RequestID: req.RequestID, Code: &code}
			resp.SetData(envelope.UploadResult{URL: "http://files.test/" + req.Type + "/1"})
			return resp
		case "QUERY":
			resp := &envelope.Envelope{BizType: "query", RequestID: env.RequestID, Code: &code}
			resp.SetData(map[string]string{"echo": env.Token})
			return resp
		case "DENY":
			failed := 403
			return &envelope.Envelope{RequestID: env.RequestID, Code: &failed, Msg: "forbidden"}
		}
		return nil
	}
}

func newServerClient(t *testing.T, ms *testutil.MockServer, opts ...client.Option) *client.Client {
	t.Helper()
	base := []client.Option{
		client.WithLogger(testLoggerClient),
		client.WithAutoReconnect(5, 50*time.Millisecond),
		client.WithHeartbeat(0, 0),
	}
	c := client.New(ms.WsURL, append(base, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDialRequestRoundTrip(t *testing.T) {
	ms := testutil.NewMockServer(t, uploadResponder(t))
	ctx := testCtx(t)

	c, err := client.Dial(ctx, ms.WsURL, client.WithLogger(testLoggerClient), client.WithToken("tok-1"))
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Request(ctx, "query", map[string]int{"n": 1})
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, resp.DecodeData(&body))
	assert.Equal(t, "tok-1", body["echo"])

	_, err = c.Request(ctx, "deny", nil)
	var serverErr *correlator.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, 403, serverErr.Code)
	assert.Equal(t, "forbidden", serverErr.Message)
	assert.Equal(t, client.KindServer, client.KindOf(err))
}

func TestDialRefused(t *testing.T) {
	ctx := testCtx(t)
	_, err := client.Dial(ctx, "ws://127.0.0.1:1/ws", client.WithLogger(testLoggerClient), client.WithoutAutoReconnect())
	var connErr *client.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ws://127.0.0.1:1/ws", connErr.URL)
}

func TestRequestTimeoutIgnoresLateResponse(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	c := newServerClient(t, ms, client.WithRequestTimeout(50*time.Millisecond))
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	var dispatched atomic.Int32
	require.NoError(t, c.On("slow", func(*envelope.Envelope) error {
		dispatched.Add(1)
		return nil
	}))

	_, err := c.Request(ctx, "slow", nil)
	assert.ErrorIs(t, err, client.ErrRequestTimeout)
	assert.Equal(t, client.KindTimeout, client.KindOf(err))
	var timeoutErr *correlator.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)

	sent := ms.ReceivedTag("slow")
	require.Len(t, sent, 1)
	code := 0
	require.NoError(t, ms.Send(&envelope.Envelope{BizType: "slow", RequestID: sent[0].RequestID, Code: &code}))
	require.NoError(t, ms.SendRaw([]byte(`{"biztype":"PING"}`)))

	require.NoError(t, testutil.WaitFor(t, "pong after late response", 2*time.Second, func() bool {
		return len(ms.ReceivedTag("PONG")) == 1
	}))
	assert.Zero(t, dispatched.Load(), "late responses are not dispatched to handlers")
	assert.True(t, c.Connected())
}

func TestUploadOverSocket(t *testing.T) {
	ms := testutil.NewMockServer(t, uploadResponder(t))
	c := newServerClient(t, ms)
	ctx := testCtx(t)

	url, err := c.Upload(ctx, []byte("png-bytes"), "image")
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/image/1", url)

	uploads := ms.ReceivedTag("upload")
	require.Len(t, uploads, 1)
	assert.Equal(t, "upload", uploads[0].BizType)
	assert.Empty(t, uploads[0].RequestID, "correlation id travels in the body")
	var req envelope.UploadRequest
	require.NoError(t, uploads[0].DecodeData(&req))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), req.File)
	assert.NotEmpty(t, req.RequestID)
}

func TestUploadFileUsesReader(t *testing.T) {
	ms := testutil.NewMockServer(t, uploadResponder(t))
	files := map[string][]byte{"/tmp/photo.png": []byte("img")}
	c := newServerClient(t, ms, client.WithFileReader(func(path string) ([]byte, error) {
		if data, ok := files[path]; ok {
			return data, nil
		}
		return nil, os.ErrNotExist
	}))
	ctx := testCtx(t)

	url, err := c.UploadFile(ctx, "/tmp/photo.png", "image")
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/image/1", url)

	_, err = c.UploadFile(ctx, "/tmp/missing.png", "image")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSendMessageAndAttachment(t *testing.T) {
	ms := testutil.NewMockServer(t, uploadResponder(t))
	c := newServerClient(t, ms,
		client.WithToken("tok"),
		client.WithFileReader(func(string) ([]byte, error) { return []byte("12345"), nil }))
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.SendMessage("u2", "hi", "text"))
	url, err := c.SendAttachment(ctx, "u3", "/photos/cat.png", "image")
	require.NoError(t, err)

	require.NoError(t, testutil.WaitFor(t, "two chat messages", 2*time.Second, func() bool {
		return len(ms.ReceivedTag(client.TagSendMessage)) == 2
	}))
	frames := ms.Frames()
	assert.JSONEq(t, `{"biztype":"sendMessage","token":"tok","to_userid":"u2","content":"hi","type":"text"}`, string(frames[0]))

	last := ms.ReceivedTag(client.TagSendMessage)[1]
	var content string
	_, err = last.Get("content", &content)
	require.NoError(t, err)
	assert.Equal(t, url, content)
	var info client.FileInfo
	ok, err := last.Get("fileInfo", &info)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, client.FileInfo{Name: "cat.png", Size: 5, Type: "image/png"}, info)
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	c := newServerClient(t, ms)
	ctx := testCtx(t)
	require.NoError(t, c.Connect(ctx))

	ms.CloseCurrentConnection(websocket.StatusAbnormalClosure)
	require.NoError(t, testutil.WaitFor(t, "second connection", 2*time.Second, func() bool {
		return ms.Accepts() == 2 && c.Connected()
	}))

	require.NoError(t, c.Send(`{"biztype":"chat","n":1}`))
	require.NoError(t, testutil.WaitFor(t, "frame on new connection", 2*time.Second, func() bool {
		return len(ms.ReceivedTag("chat")) == 1
	}))
}

func TestServerNormalCloseStaysDown(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	c := newServerClient(t, ms)
	events, cancel := c.SubscribeState()
	defer cancel()
	require.NoError(t, c.Connect(testCtx(t)))

	ms.CloseCurrentConnection(websocket.StatusNormalClosure)
	ev := awaitState(t, events, client.StateDisconnected)
	assert.Equal(t, transport.StatusNormalClosure, ev.Code)
	testutil.Never(t, "reconnect after normal close", 200*time.Millisecond, func() bool { return ms.Accepts() > 1 })
}

func TestQueuedWhileServerRejects(t *testing.T) {
	ms := testutil.NewMockServer(t, nil)
	ms.SetRejecting(true)
	c := newServerClient(t, ms)

	require.NoError(t, c.Send(`{"biztype":"chat","n":1}`))
	require.NoError(t, c.Send(`{"biztype":"chat","n":2}`))
	require.NoError(t, testutil.WaitFor(t, "connect failed", 2*time.Second, func() bool {
		return c.State() == client.StateError
	}))
	assert.Equal(t, 2, c.Pending())

	ms.SetRejecting(false)
	require.NoError(t, testutil.WaitFor(t, "reconnect delivered queue", 2*time.Second, func() bool {
		return len(ms.ReceivedTag("chat")) == 2
	}))
	frames := ms.Frames()
	assert.JSONEq(t, `{"biztype":"chat","n":1}`, string(frames[0]))
	assert.JSONEq(t, `{"biztype":"chat","n":2}`, string(frames[1]))
}

func TestGorillaTransport(t *testing.T) {
	ms := testutil.NewMockServer(t, uploadResponder(t))
	c := newServerClient(t, ms, client.WithDialer(&gorillaws.Dialer{}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, ms.SendRaw([]byte(`{"biztype":"PING"}`)))
	require.NoError(t, testutil.WaitFor(t, "pong over gorilla", 2*time.Second, func() bool {
		return len(ms.ReceivedTag("PONG")) == 1
	}))

	url, err := c.Upload(ctx, []byte("x"), "file")
	require.NoError(t, err)
	assert.Equal(t, "http://files.test/file/1", url)
}
