package transport

import "sync"

// StateObservable is an embeddable value+change-event connection state
// signal. Concrete transports own one and re-export it by reference;
// higher layers never mutate it directly.
type StateObservable struct {
	mu      sync.Mutex
	state   State
	err     error
	subs    map[int]func(StateChange)
	nextSub int
}

// NewStateObservable returns an observable starting in StateConnecting.
func NewStateObservable() *StateObservable {
	return &StateObservable{state: StateConnecting, subs: make(map[int]func(StateChange))}
}

// Get returns the current state and, if closed due to an error, that
// error.
func (o *StateObservable) Get() (State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.err
}

// Set transitions to s, notifying subscribers. Transitions out of
// StateClosed are ignored (closing is terminal).
func (o *StateObservable) Set(s State, err error) {
	o.mu.Lock()
	if o.state == StateClosed {
		o.mu.Unlock()
		return
	}
	o.state = s
	o.err = err
	subs := make([]func(StateChange), 0, len(o.subs))
	for _, f := range o.subs {
		subs = append(subs, f)
	}
	o.mu.Unlock()

	change := StateChange{State: s, Err: err}
	for _, f := range subs {
		f(change)
	}
}

// Subscribe registers f to be called on every future transition. The
// returned function unsubscribes and is idempotent.
func (o *StateObservable) Subscribe(f func(StateChange)) func() {
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = f
	o.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}
