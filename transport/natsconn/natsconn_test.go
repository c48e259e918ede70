package natsconn

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubjectPairRoundTrip exercises the transport against a real NATS
// server. It skips when one isn't reachable at the default local address,
// rather than requiring test infrastructure.
func TestSubjectPairRoundTrip(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(200*time.Millisecond))
	if err != nil {
		t.Skipf("no local NATS server reachable: %v", err)
	}
	defer nc.Close()

	a, err := New(nc, "peer.a.in", "peer.b.in", "a", false)
	require.NoError(t, err)
	defer a.Close()

	b, err := New(nc, "peer.b.in", "peer.a.in", "b", false)
	require.NoError(t, err)
	defer b.Close()

	received := make(chan string, 1)
	b.SetListener(func(m json.RawMessage) {
		received <- string(m)
	})

	require.NoError(t, a.Send(json.RawMessage(`{"jsonrpc":"2.0","method":"ping"}`)))

	select {
	case got := <-received:
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}
