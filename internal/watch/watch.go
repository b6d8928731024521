// Package watch provides a single-writer, multi-reader observable cell.
// Components publish state changes (open/closed, fill ratio, send rate)
// through a Value; readers either poll Get or subscribe to a coalescing
// channel that always carries the most recent value.
package watch

import "sync"

// Value holds the latest published value of type T and fans updates out to
// subscribers. Subscriber channels are buffered with capacity one; a slow
// reader observes the newest value, not every intermediate one.
type Value[T any] struct {
	mu   sync.Mutex
	cur  T
	subs []chan T
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial}
}

// Get returns the most recently published value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cur
}

// Set publishes val to all subscribers. If a subscriber has not consumed the
// previous value, it is replaced rather than queued behind it.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cur = val
	for _, ch := range v.subs {
		select {
		case ch <- val:
		default:
			// Stale pending value: drop it and publish the new one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- val:
			default:
			}
		}
	}
}

// Watch registers a new subscriber channel primed with the current value.
func (v *Value[T]) Watch() <-chan T {
	v.mu.Lock()
	defer v.mu.Unlock()

	ch := make(chan T, 1)
	ch <- v.cur
	v.subs = append(v.subs, ch)
	return ch
}

// Unwatch removes a subscriber channel previously returned by Watch.
func (v *Value[T]) Unwatch(ch <-chan T) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, sub := range v.subs {
		if sub == ch {
			v.subs = append(v.subs[:i], v.subs[i+1:]...)
			return
		}
	}
}
