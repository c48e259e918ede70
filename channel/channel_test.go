package channel

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/peerrpc/jsonrpc"
	"github.com/kbirk/peerrpc/transport/streamconn"
)

type recordingHandler struct {
	onRequest      func(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject)
	notifications  chan string
}

func (h *recordingHandler) HandleRequest(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
	return h.onRequest(ctx, id, method, params)
}

func (h *recordingHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	if h.notifications != nil {
		h.notifications <- method
	}
}

func newPipe(t *testing.T) (a, b *streamconn.Conn) {
	t.Helper()
	ca, cb := net.Pipe()
	return streamconn.New(ca, streamconn.Newline, "a"), streamconn.New(cb, streamconn.Newline, "b")
}

func TestRequestResponseSuccess(t *testing.T) {
	connA, connB := newPipe(t)
	defer connA.Close()
	defer connB.Close()

	server := &recordingHandler{
		onRequest: func(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
			return json.RawMessage(`"pong"`), nil
		},
	}
	New(connB, Options{Handler: server})
	client := New(connA, Options{})

	result, errObj, err := client.Request(context.Background(), "ping", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Nil(t, errObj)
	assert.Equal(t, `"pong"`, string(result))
}

func TestUniqueMonotonicIDs(t *testing.T) {
	connA, connB := newPipe(t)
	defer connA.Close()
	defer connB.Close()

	seen := make(chan string, 3)
	server := &recordingHandler{
		onRequest: func(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
			seen <- id.String()
			return json.RawMessage(`null`), nil
		},
	}
	New(connB, Options{Handler: server})
	client := New(connA, Options{})

	for i := 0; i < 3; i++ {
		_, _, err := client.Request(context.Background(), "m", json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	close(seen)

	ids := map[string]bool{}
	var order []string
	for id := range seen {
		assert.False(t, ids[id], "id %s reused", id)
		ids[id] = true
		order = append(order, id)
	}
	assert.Len(t, ids, 3)
	assert.Equal(t, []string{"n:0", "n:1", "n:2"}, order)
}

func TestMethodNotFoundWithNoHandler(t *testing.T) {
	connA, connB := newPipe(t)
	defer connA.Close()
	defer connB.Close()

	New(connB, Options{}) // no handler installed
	client := New(connA, Options{})

	_, errObj, err := client.Request(context.Background(), "missing", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotNil(t, errObj)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, errObj.Code)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	connA, connB := newPipe(t)
	defer connA.Close()
	defer connB.Close()

	server := &recordingHandler{
		onRequest: func(ctx context.Context, id jsonrpc.ID, method string, params json.RawMessage) (json.RawMessage, *jsonrpc.ErrorObject) {
			panic("boom: sensitive detail")
		},
	}
	New(connB, Options{Handler: server})
	client := New(connA, Options{})

	_, errObj, err := client.Request(context.Background(), "explode", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NotNil(t, errObj)
	assert.Equal(t, jsonrpc.CodeInternalError, errObj.Code)
	assert.NotContains(t, errObj.Message, "sensitive detail")
}

func TestNotificationDelivered(t *testing.T) {
	connA, connB := newPipe(t)
	defer connA.Close()
	defer connB.Close()

	notifications := make(chan string, 1)
	server := &recordingHandler{notifications: notifications}
	New(connB, Options{Handler: server})
	client := New(connA, Options{})

	require.NoError(t, client.Notify("progress", json.RawMessage(`{"pct":10}`)))

	select {
	case m := <-notifications:
		assert.Equal(t, "progress", m)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestFailPendingOnClose(t *testing.T) {
	connA, connB := newPipe(t)
	defer connB.Close()

	client := New(connA, Options{FailPendingOnClose: true})

	done := make(chan error, 1)
	go func() {
		_, _, err := client.Request(context.Background(), "never-answered", json.RawMessage(`{}`))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, connA.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("request was not failed on close")
	}
}

func TestRequestContextCancellation(t *testing.T) {
	connA, connB := newPipe(t)
	defer connA.Close()
	defer connB.Close()

	New(connB, Options{}) // handler never responds meaningfully quick enough
	client := New(connA, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Use a method name the peer answers instantly with methodNotFound;
	// to exercise cancellation we instead cancel before any response can
	// arrive by canceling immediately.
	cancel()
	_, _, err := client.Request(ctx, "whatever", json.RawMessage(`{}`))
	assert.Error(t, err)
}
