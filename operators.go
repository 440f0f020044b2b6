package rivulet

import (
	"context"

	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
)

// funcOperator adapts plain functions to the Operator interface.
type funcOperator[Kin comparable, Vin any, Kout comparable, Vout any] struct {
	octx      *OperatorContext[Kout, Vout]
	processFn func(octx *OperatorContext[Kout, Vout], ctx context.Context, ev Event[Kin, Vin]) error
	initFn    func(octx *OperatorContext[Kout, Vout]) error
	closeFn   func() error
}

func (o *funcOperator[Kin, Vin, Kout, Vout]) Init(octx *OperatorContext[Kout, Vout]) error {
	o.octx = octx
	if o.initFn != nil {
		return o.initFn(octx)
	}
	return nil
}

func (o *funcOperator[Kin, Vin, Kout, Vout]) Process(ctx context.Context, ev Event[Kin, Vin]) error {
	return o.processFn(o.octx, ctx, ev)
}

func (o *funcOperator[Kin, Vin, Kout, Vout]) Close() error {
	if o.closeFn != nil {
		return o.closeFn()
	}
	return nil
}

// Map attaches a stage transforming each event's value. The key and
// timestamp pass through unchanged.
func Map[K comparable, Vin, Vout any](up *Stream[K, Vin], name string, fn func(k K, v Vin) Vout) *Stream[K, Vout] {
	return Apply(up, name, &funcOperator[K, Vin, K, Vout]{
		processFn: func(octx *OperatorContext[K, Vout], ctx context.Context, ev Event[K, Vin]) error {
			return octx.Forward(ctx, Event[K, Vout]{Key: ev.Key, Timestamp: ev.Timestamp, Value: fn(ev.Key, ev.Value)})
		},
	})
}

// MapKey attaches a stage transforming each event's key, re-keying the
// stream. The value and timestamp pass through unchanged.
func MapKey[Kin, Kout comparable, V any](up *Stream[Kin, V], name string, fn func(k Kin) Kout) *Stream[Kout, V] {
	return Apply(up, name, &funcOperator[Kin, V, Kout, V]{
		processFn: func(octx *OperatorContext[Kout, V], ctx context.Context, ev Event[Kin, V]) error {
			return octx.Forward(ctx, Event[Kout, V]{Key: fn(ev.Key), Timestamp: ev.Timestamp, Value: ev.Value})
		},
	})
}

// Filter attaches a stage that only forwards events matching the predicate.
func Filter[K comparable, V any](up *Stream[K, V], name string, predicate func(k K, v V) bool) *Stream[K, V] {
	return Apply(up, name, &funcOperator[K, V, K, V]{
		processFn: func(octx *OperatorContext[K, V], ctx context.Context, ev Event[K, V]) error {
			if predicate(ev.Key, ev.Value) {
				return octx.Forward(ctx, ev)
			}
			return nil
		},
	})
}

// ForEach attaches a pass-through stage running a side effect per event.
func ForEach[K comparable, V any](up *Stream[K, V], name string, fn func(k K, v V)) *Stream[K, V] {
	return Apply(up, name, &funcOperator[K, V, K, V]{
		processFn: func(octx *OperatorContext[K, V], ctx context.Context, ev Event[K, V]) error {
			fn(ev.Key, ev.Value)
			return octx.Forward(ctx, ev)
		},
	})
}

// SinkTo attaches the terminal stage. Results leave the pipeline through fn.
func SinkTo[K comparable, V any](up *Stream[K, V], name string, fn func(ctx context.Context, ev Event[K, V]) error) {
	Apply(up, name, &funcOperator[K, V, K, V]{
		processFn: func(_ *OperatorContext[K, V], ctx context.Context, ev Event[K, V]) error {
			return fn(ctx, ev)
		},
	})
}

// Aggregator is the accumulation contract shared by keyed and windowed
// aggregations: start with Init, fold events in arrival order, emit
// Finalize's result. Determinism across re-orderings is only given for
// associative, commutative folds.
type Aggregator[V, S, Out any] struct {
	Init     func() S
	Fold     func(S, V) S
	Finalize func(S) Out
}

// aggregateOperator is the unwindowed per-key fold. Each event updates the
// key's accumulator in the store and forwards the finalized running result.
type aggregateOperator[K comparable, V, S, Out any] struct {
	agg        Aggregator[V, S, Out]
	keySerde   serde.Serde[K]
	stateSerde serde.Serde[S]

	octx  *OperatorContext[K, Out]
	store *state.TypedStore[K, S]
	locks *keyLock
}

func (o *aggregateOperator[K, V, S, Out]) Init(octx *OperatorContext[K, Out]) error {
	backend, err := octx.StateBackend(octx.NodeName())
	if err != nil {
		return err
	}
	o.octx = octx
	o.store = state.NewTypedStore(octx.NodeName(), backend, o.keySerde, o.stateSerde)
	o.locks = newKeyLock(0)
	return nil
}

func (o *aggregateOperator[K, V, S, Out]) Process(ctx context.Context, ev Event[K, V]) error {
	kb, err := o.keySerde.Serializer(ev.Key)
	if err != nil {
		return err
	}

	unlock := o.locks.lock(kb)
	acc, found, err := o.store.Get(ev.Key)
	if err != nil {
		unlock()
		return err
	}
	if !found {
		acc = o.agg.Init()
	}
	acc = o.agg.Fold(acc, ev.Value)
	if err := o.store.Set(ev.Key, acc); err != nil {
		unlock()
		return err
	}
	unlock()

	return o.octx.Forward(ctx, Event[K, Out]{Key: ev.Key, Timestamp: ev.Timestamp, Value: o.agg.Finalize(acc)})
}

func (o *aggregateOperator[K, V, S, Out]) Close() error {
	return o.store.Close()
}

// Aggregate attaches an unwindowed per-key fold backed by a state store.
// Every input event forwards the key's updated running result.
func Aggregate[K comparable, V, S, Out any](up *Stream[K, V], name string, agg Aggregator[V, S, Out], keySerde serde.Serde[K], stateSerde serde.Serde[S]) *Stream[K, Out] {
	return Apply(up, name, &aggregateOperator[K, V, S, Out]{
		agg:        agg,
		keySerde:   keySerde,
		stateSerde: stateSerde,
	})
}
