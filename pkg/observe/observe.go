// Package observe provides a typed value that notifies subscribers when it
// changes.
package observe

import (
	"sync"
)

// Value holds a T and notifies subscribers after every change.
//
// Notifications are serialized. When several Sets race, subscribers may
// skip intermediate values but always end on the latest one, and never see
// an older value after a newer one.
type Value[T any] struct {
	mu      sync.Mutex
	v       T
	version uint64
	equal   func(a, b T) bool
	subs    map[uint64]func(T)
	next    uint64

	pub       sync.Mutex
	published uint64
}

// NewValue creates a Value. A nil equal treats every Set as a change.
func NewValue[T any](initial T, equal func(a, b T) bool) *Value[T] {
	return &Value[T]{v: initial, equal: equal, subs: map[uint64]func(T){}}
}

// Comparable returns an equality function for comparable types.
func Comparable[T comparable]() func(a, b T) bool {
	return func(a, b T) bool { return a == b }
}

// Get returns the current value.
func (o *Value[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.v
}

// Set stores v and reports whether it differed from the previous value.
func (o *Value[T]) Set(v T) bool {
	o.mu.Lock()
	if o.equal != nil && o.equal(o.v, v) {
		o.mu.Unlock()
		return false
	}
	o.v = v
	o.version++
	o.mu.Unlock()

	o.notify()
	return true
}

// Update applies fn to the current value under the lock and stores the
// result.
func (o *Value[T]) Update(fn func(T) T) bool {
	o.mu.Lock()
	v := fn(o.v)
	if o.equal != nil && o.equal(o.v, v) {
		o.mu.Unlock()
		return false
	}
	o.v = v
	o.version++
	o.mu.Unlock()

	o.notify()
	return true
}

func (o *Value[T]) notify() {
	o.pub.Lock()
	defer o.pub.Unlock()

	o.mu.Lock()
	if o.version <= o.published {
		o.mu.Unlock()
		return
	}
	v := o.v
	o.published = o.version
	subs := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.mu.Unlock()

	for _, fn := range subs {
		fn(v)
	}
}

// Subscribe calls fn with the current value and after every change until
// cancel is called. fn must not call Set on the same Value.
func (o *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	o.pub.Lock()
	o.mu.Lock()
	o.next++
	id := o.next
	o.subs[id] = fn
	v := o.v
	o.mu.Unlock()
	fn(v)
	o.pub.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}
