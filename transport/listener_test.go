package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestListenerBaseBuffersUntilInstalled(t *testing.T) {
	var b ListenerBase
	b.Deliver(json.RawMessage(`1`))
	b.Deliver(json.RawMessage(`2`))

	var got []string
	b.SetListener(func(m json.RawMessage) {
		got = append(got, string(m))
	})

	assert.Equal(t, []string{"1", "2"}, got)
}

func TestListenerBaseNoDoubleDelivery(t *testing.T) {
	var b ListenerBase
	var got []string
	b.SetListener(func(m json.RawMessage) {
		got = append(got, string(m))
	})
	b.Deliver(json.RawMessage(`1`))
	b.Deliver(json.RawMessage(`2`))

	assert.Equal(t, []string{"1", "2"}, got)
}

func TestListenerBaseReentrantReplace(t *testing.T) {
	var b ListenerBase
	b.Deliver(json.RawMessage(`1`))
	b.Deliver(json.RawMessage(`2`))
	b.Deliver(json.RawMessage(`3`))

	var first, second []string
	var listener2 func(json.RawMessage)
	listener1 := func(m json.RawMessage) {
		first = append(first, string(m))
		// Replace self after the first message; drainage should
		// continue with listener2 for the remaining buffered messages.
		b.SetListener(listener2)
	}
	listener2 = func(m json.RawMessage) {
		second = append(second, string(m))
	}

	b.SetListener(listener1)

	assert.Equal(t, []string{"1"}, first)
	assert.Equal(t, []string{"2", "3"}, second)
}

func TestStateObservableTransitionsAndTerminality(t *testing.T) {
	o := NewStateObservable()

	var changes []StateChange
	unsub := o.Subscribe(func(c StateChange) {
		changes = append(changes, c)
	})
	defer unsub()

	o.Set(StateOpen, nil)
	o.Set(StateClosed, nil)
	o.Set(StateOpen, nil) // ignored: closing is terminal

	s, err := o.Get()
	assert.Equal(t, StateClosed, s)
	assert.NoError(t, err)
	assert.Len(t, changes, 2)
}
