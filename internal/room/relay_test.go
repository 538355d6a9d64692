package room

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.chatsync/internal/config"
)

func mustRelayMsg(t *testing.T, rm relayMessage) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(rm)
	require.NoError(t, err)
	return &nats.Msg{Subject: BuildSubject(rm.Group), Data: data}
}

// getTestNATS 连接测试用 NATS，未设置 CHATSYNC_NATS_URL 时跳过
func getTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("CHATSYNC_NATS_URL")
	if url == "" {
		t.Skip("NATS not configured, skipping test (set CHATSYNC_NATS_URL)")
	}
	nc, err := Connect(config.NATSConfig{URL: url, MaxReconnects: 1, ReconnectWait: time.Second}, nil)
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSRelay_CrossNode(t *testing.T) {
	ncA := getTestNATS(t)
	ncB := getTestNATS(t)

	routerA := NewRouter(nil)
	routerB := NewRouter(nil)
	relayA := NewNATSRelay(ncA, "node-a", routerA, nil)
	relayB := NewNATSRelay(ncB, "node-b", routerB, nil)
	require.NoError(t, relayA.Start())
	require.NoError(t, relayB.Start())
	t.Cleanup(relayA.Stop)
	t.Cleanup(relayB.Stop)
	require.NoError(t, ncA.Flush())
	require.NoError(t, ncB.Flush())

	bob := newFake("c2", "bob")
	carol := newFake("c3", "carol")
	routerB.Subscribe(Personal("bob"), bob)
	routerB.Subscribe(Personal("carol"), carol)

	routerA.Publish(Personal("bob"), env("new-message"))
	routerA.Broadcast(env("user-online"), "carol")

	assert.Eventually(t, func() bool {
		return len(bob.Events()) == 2 && len(carol.Events()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}
