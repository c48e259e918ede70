package transport

import (
	"encoding/json"
	"sync"
)

// ListenerBase implements the single-slot, buffering, reentrant listener
// behavior every Connection needs. Concrete transports embed it and call
// Deliver from their read loop; SetListener is exposed directly to satisfy
// Connection.
type ListenerBase struct {
	mu       sync.Mutex
	listener func(json.RawMessage)
	buffer   []json.RawMessage
}

// SetListener installs f, then synchronously drains any buffered messages.
// f may itself call SetListener during drainage (e.g. to replace itself);
// the loop re-reads the current listener on every iteration so drainage
// continues with whichever listener is installed at that point.
func (b *ListenerBase) SetListener(f func(json.RawMessage)) {
	b.mu.Lock()
	b.listener = f
	for {
		if len(b.buffer) == 0 || b.listener == nil {
			b.mu.Unlock()
			return
		}
		msg := b.buffer[0]
		b.buffer = b.buffer[1:]
		cur := b.listener
		b.mu.Unlock()

		cur(msg)

		b.mu.Lock()
	}
}

// Deliver hands data either straight to the installed listener or, if none
// is installed yet, appends it to the buffer for later drainage.
func (b *ListenerBase) Deliver(data json.RawMessage) {
	b.mu.Lock()
	if b.listener == nil {
		b.buffer = append(b.buffer, data)
		b.mu.Unlock()
		return
	}
	cur := b.listener
	b.mu.Unlock()

	cur(data)
}
