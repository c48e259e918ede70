package streamconn

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kbirk/peerrpc/transport"
)

func pipePair(framing Framing) (*Conn, *Conn) {
	a, b := net.Pipe()
	return New(a, framing, "a"), New(b, framing, "b")
}

func TestNewlineFramingRoundTrip(t *testing.T) {
	a, b := pipePair(Newline)
	defer a.Close()
	defer b.Close()

	received := make(chan string, 1)
	b.SetListener(func(m json.RawMessage) {
		received <- string(m)
	})

	require.NoError(t, a.Send(json.RawMessage(`{"jsonrpc":"2.0","method":"ping"}`)))

	select {
	case got := <-received:
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestContentLengthFramingRoundTrip(t *testing.T) {
	a, b := pipePair(ContentLength)
	defer a.Close()
	defer b.Close()

	received := make(chan string, 1)
	b.SetListener(func(m json.RawMessage) {
		received <- string(m)
	})

	require.NoError(t, a.Send(json.RawMessage(`{"jsonrpc":"2.0","method":"ping"}`)))

	select {
	case got := <-received:
		assert.JSONEq(t, `{"jsonrpc":"2.0","method":"ping"}`, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	a, b := pipePair(Newline)
	defer b.Close()

	require.NoError(t, a.Close())
	st, err := a.State()
	assert.Equal(t, transport.StateClosed, st)
	assert.NoError(t, err)

	assert.ErrorIs(t, a.Send(json.RawMessage(`{}`)), transport.ErrClosed)
}
