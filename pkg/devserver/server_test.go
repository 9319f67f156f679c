package devserver_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/client"
	"github.com/lightforgemedia/go-wslink/pkg/devserver"
	"github.com/lightforgemedia/go-wslink/pkg/envelope"
	"github.com/lightforgemedia/go-wslink/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

func startServer(t *testing.T, opts ...devserver.Option) (*devserver.Server, *httptest.Server) {
	t.Helper()
	srv := devserver.New(append([]devserver.Option{devserver.WithLogger(testLogger)}, opts...)...)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hs.Close()
	})
	return srv, hs
}

func wsURL(hs *httptest.Server, user string) string {
	u := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
	if user != "" {
		u += "?user_id=" + user
	}
	return u
}

func dial(t *testing.T, url string, opts ...client.Option) *client.Client {
	t.Helper()
	base := []client.Option{
		client.WithLogger(testLogger),
		client.WithHeartbeat(0, 0),
		client.WithRequestTimeout(2 * time.Second),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, url, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

type inbox struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (b *inbox) handler(env *envelope.Envelope) error {
	b.mu.Lock()
	b.envs = append(b.envs, env)
	b.mu.Unlock()
	return nil
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.envs)
}

func TestUploadIsServedOverHTTP(t *testing.T) {
	_, hs := startServer(t)
	c := dial(t, wsURL(hs, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url, err := c.Upload(ctx, []byte("hello file"), "file")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, hs.URL+"/files/"), url)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello file", string(body))

	missing, err := http.Get(hs.URL + "/files/nope")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestOversizedUploadIsRejected(t *testing.T) {
	_, hs := startServer(t, devserver.WithMaxUpload(4))
	c := dial(t, wsURL(hs, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Upload(ctx, []byte("too many bytes"), "file")
	require.Error(t, err)
	assert.Equal(t, client.KindServer, client.KindOf(err))
}

func TestRequestIsAcknowledged(t *testing.T) {
	_, hs := startServer(t)
	c := dial(t, wsURL(hs, ""))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.Request(ctx, "lookup", map[string]string{"q": "x"})
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, resp.DecodeData(&body))
	assert.Equal(t, "x", body["q"])
}

func TestMessagesAreRelayedToOtherPeers(t *testing.T) {
	srv, hs := startServer(t)
	alice := dial(t, wsURL(hs, "alice"))
	bob := dial(t, wsURL(hs, "bob"))
	carol := dial(t, wsURL(hs, "carol"))
	require.NoError(t, testutil.WaitFor(t, "three peers", 2*time.Second, func() bool { return srv.PeerCount() == 3 }))

	var aliceIn, bobIn, carolIn inbox
	_, err := alice.Listen("chat", aliceIn.handler)
	require.NoError(t, err)
	_, err = bob.Listen("chat", bobIn.handler)
	require.NoError(t, err)
	_, err = carol.Listen("chat", carolIn.handler)
	require.NoError(t, err)

	require.NoError(t, alice.Send(map[string]string{"biztype": "chat", "text": "hi all"}))
	require.NoError(t, testutil.WaitFor(t, "broadcast delivered", 2*time.Second, func() bool { return bobIn.len() == 1 && carolIn.len() == 1 }))
	testutil.Never(t, "sender receives its own frame", 100*time.Millisecond, func() bool { return aliceIn.len() > 0 })

	var bobMsgs inbox
	_, err = bob.Listen(client.TagSendMessage, bobMsgs.handler)
	require.NoError(t, err)
	var carolMsgs inbox
	_, err = carol.Listen(client.TagSendMessage, carolMsgs.handler)
	require.NoError(t, err)

	require.NoError(t, alice.SendMessage("bob", "just you", "text"))
	require.NoError(t, testutil.WaitFor(t, "targeted delivery", 2*time.Second, func() bool { return bobMsgs.len() == 1 }))
	testutil.Never(t, "non-target receives message", 100*time.Millisecond, func() bool { return carolMsgs.len() > 0 })

	bobMsgs.mu.Lock()
	var content string
	_, err = bobMsgs.envs[0].Get("content", &content)
	bobMsgs.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "just you", content)
}

func TestHeartbeatEchoKeepsClientAlive(t *testing.T) {
	_, hs := startServer(t)
	c := dial(t, wsURL(hs, ""), client.WithHeartbeat(20*time.Millisecond, 100*time.Millisecond))

	testutil.Never(t, "client drops connection", 400*time.Millisecond, func() bool { return !c.Connected() })
}

func TestServerPingsAreAnswered(t *testing.T) {
	_, hs := startServer(t, devserver.WithPingInterval(20*time.Millisecond))
	c := dial(t, wsURL(hs, ""))

	var pings inbox
	_, err := c.Listen(envelope.TagPing, pings.handler)
	require.NoError(t, err)
	require.NoError(t, testutil.WaitFor(t, "pings received", 2*time.Second, func() bool { return pings.len() >= 2 }))
	assert.True(t, c.Connected())
}

func TestDroppedPeersReconnect(t *testing.T) {
	srv, hs := startServer(t)
	c := dial(t, wsURL(hs, ""), client.WithAutoReconnect(5, 20*time.Millisecond))
	require.NoError(t, testutil.WaitFor(t, "peer registered", 2*time.Second, func() bool { return srv.PeerCount() == 1 }))

	srv.DisconnectAll()
	require.NoError(t, testutil.WaitFor(t, "reconnected", 2*time.Second, func() bool { return srv.Accepted() == 2 && c.Connected() }))
	require.NoError(t, testutil.WaitFor(t, "one peer", 2*time.Second, func() bool { return srv.PeerCount() == 1 }))
}

func TestShutdownClosesPeersAndRefusesNew(t *testing.T) {
	srv := devserver.New(devserver.WithLogger(testLogger))
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	c := dial(t, wsURL(hs, ""), client.WithoutAutoReconnect())
	require.NoError(t, testutil.WaitFor(t, "peer registered", 2*time.Second, func() bool { return srv.PeerCount() == 1 }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, testutil.WaitFor(t, "client disconnected", 2*time.Second, func() bool { return !c.Connected() }))

	dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Second)
	defer dialCancel()
	_, err := client.Dial(dialCtx, wsURL(hs, ""), client.WithLogger(testLogger), client.WithoutAutoReconnect())
	assert.Error(t, err)
	assert.Nil(t, srv.Broadcast(&envelope.Envelope{BizType: "late"}))
}

func TestHealth(t *testing.T) {
	_, hs := startServer(t)
	resp, err := http.Get(hs.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
