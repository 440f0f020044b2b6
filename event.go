// Package rivulet is an embedded stream-processing engine: typed operator
// pipelines over unbounded event sequences, with event-time windowing,
// stream-stream joins and a backpressure-aware buffered ingress.
package rivulet

import "time"

// Event is the unit of data flowing through a pipeline. Events are immutable
// once emitted; operators forward new events rather than mutating inputs.
type Event[K comparable, V any] struct {
	Key       K
	Timestamp time.Time
	Value     V
}

// NewEvent builds an event with the given key, timestamp and value.
func NewEvent[K comparable, V any](key K, ts time.Time, value V) Event[K, V] {
	return Event[K, V]{Key: key, Timestamp: ts, Value: value}
}

// Optional is a tagged maybe-value. Join results use it for the absent side,
// which keeps "never matched" distinct from a legitimately zero value.
type Optional[T any] struct {
	value   T
	present bool
}

// Some wraps a present value.
func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, present: true}
}

// None is the absent value.
func None[T any]() Optional[T] {
	return Optional[T]{}
}

// Get returns the value and whether it is present.
func (o Optional[T]) Get() (T, bool) {
	return o.value, o.present
}

// IsPresent reports whether a value is present.
func (o Optional[T]) IsPresent() bool {
	return o.present
}

// OrElse returns the value if present, def otherwise.
func (o Optional[T]) OrElse(def T) T {
	if o.present {
		return o.value
	}
	return def
}
