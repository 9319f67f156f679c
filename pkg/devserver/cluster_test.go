package devserver_test

import (
	"testing"
	"time"

	"github.com/lightforgemedia/go-wslink/pkg/devserver"
	"github.com/lightforgemedia/go-wslink/pkg/testutil"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func natsAvailable() bool {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(500*time.Millisecond))
	if err != nil {
		return false
	}
	nc.Close()
	return true
}

func TestJoinClusterUnreachable(t *testing.T) {
	srv := devserver.New(devserver.WithLogger(testLogger))
	err := srv.JoinCluster("nats://127.0.0.1:1", "", nats.Timeout(200*time.Millisecond), nats.MaxReconnects(0))
	assert.ErrorContains(t, err, "failed to connect to NATS")
}

func TestClusterRelaysBetweenServers(t *testing.T) {
	if !natsAvailable() {
		t.Skip("Skipping test because no NATS server is running")
	}
	subject := "wslink.test." + time.Now().Format("150405.000000")

	srvA, hsA := startServer(t)
	srvB, hsB := startServer(t)
	require.NoError(t, srvA.JoinCluster(nats.DefaultURL, subject))
	require.NoError(t, srvB.JoinCluster(nats.DefaultURL, subject))
	assert.Error(t, srvA.JoinCluster(nats.DefaultURL, subject))

	alice := dial(t, wsURL(hsA, "alice"))
	bob := dial(t, wsURL(hsB, "bob"))

	var bobIn inbox
	_, err := bob.Listen("chat", bobIn.handler)
	require.NoError(t, err)

	require.NoError(t, alice.Send(map[string]string{"biztype": "chat", "text": "across servers"}))
	require.NoError(t, testutil.WaitFor(t, "relayed through NATS", 2*time.Second, func() bool { return bobIn.len() == 1 }))
	testutil.Never(t, "frame echoed back", 150*time.Millisecond, func() bool { return bobIn.len() > 1 })
}
