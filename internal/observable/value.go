// Package observable holds current-value state that the UI layer can poll or
// subscribe to.
package observable

import "sync"

// Value is a value with change subscriptions. Subscribers see the latest
// value; intermediate values may be coalesced when a subscriber is slow.
type Value[T comparable] struct {
	mu   sync.Mutex
	v    T
	subs map[int]chan T
	next int
}

// New returns a Value holding initial.
func New[T comparable](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and notifies subscribers. Setting the current value is a no-op.
func (o *Value[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.v == v {
		return
	}
	o.v = v
	for _, ch := range o.subs {
		push(ch, v)
	}
}

// Subscribe returns a channel that immediately yields the current value and
// then every change. cancel closes the channel.
func (o *Value[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan T, 1)
	ch <- o.v
	id := o.next
	o.next++
	o.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// push replaces whatever is buffered in ch with v.
func push[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
