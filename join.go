package rivulet

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
)

// joinEntry is one buffered event on a join side. Matched is sticky: once an
// entry has joined at least once it never emits an unmatched result on
// expiry.
type joinEntry[V any] struct {
	Ts         int64 `json:"ts"`
	InsertedAt int64 `json:"insertedAt"`
	Matched    bool  `json:"matched"`
	Value      V     `json:"value"`
}

// JoinStreams attaches a stream-stream join over two streams of the same
// pipeline, correlated by key within cfg.Window of event time. Matches are
// many-to-many: one event joins every counterpart inside the window. For
// Left/Right/Outer semantics, entries that expire unmatched emit once with
// the other side absent.
func JoinStreams[K comparable, L, R, Out any](left *Stream[K, L], right *Stream[K, R], name string, cfg JoinConfig, joiner func(k K, l Optional[L], r Optional[R]) Out, keySerde serde.Serde[K]) *Stream[K, Out] {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if left.p != right.p {
		panic("rivulet: join inputs must belong to the same pipeline")
	}

	out := &Stream[K, Out]{p: left.p, name: name}
	c := &joinCorrelator[K, L, R, Out]{
		cfg:      cfg,
		joiner:   joiner,
		keySerde: keySerde,
	}
	octx := &OperatorContext[K, Out]{
		p:    left.p,
		node: name,
		forward: func(ctx context.Context, ev Event[K, Out]) error {
			return out.send(ctx, ev)
		},
	}
	left.downstream = func(ctx context.Context, ev Event[K, L]) error {
		if err := c.processLeft(ctx, ev); err != nil {
			return wrapOperatorError(name, err)
		}
		return nil
	}
	right.downstream = func(ctx context.Context, ev Event[K, R]) error {
		if err := c.processRight(ctx, ev); err != nil {
			return wrapOperatorError(name, err)
		}
		return nil
	}
	left.p.register(name, func() error { return c.init(octx) }, c.close)
	return out
}

func wrapOperatorError(node string, err error) error {
	var opErr *OperatorError
	if errors.As(err, &opErr) {
		return err
	}
	return &OperatorError{Node: node, Err: err}
}

type joinCorrelator[K comparable, L, R, Out any] struct {
	cfg      JoinConfig
	joiner   func(K, Optional[L], Optional[R]) Out
	keySerde serde.Serde[K]

	octx       *OperatorContext[K, Out]
	leftStore  *state.TypedStore[K, []joinEntry[L]]
	rightStore *state.TypedStore[K, []joinEntry[R]]
	locks      *keyLock

	cleanupEntry *timerEntry
}

func (c *joinCorrelator[K, L, R, Out]) init(octx *OperatorContext[K, Out]) error {
	leftBackend, err := octx.StateBackend(octx.NodeName() + "-left")
	if err != nil {
		return err
	}
	rightBackend, err := octx.StateBackend(octx.NodeName() + "-right")
	if err != nil {
		return err
	}
	c.octx = octx
	c.leftStore = state.NewTypedStore(octx.NodeName()+"-left", leftBackend, c.keySerde, serde.JSON[[]joinEntry[L]]())
	c.rightStore = state.NewTypedStore(octx.NodeName()+"-right", rightBackend, c.keySerde, serde.JSON[[]joinEntry[R]]())
	c.locks = newKeyLock(0)
	c.cleanupEntry = octx.p.sched.schedule(c.cfg.cleanupInterval(), WallClock, c.cleanup)
	return nil
}

func (c *joinCorrelator[K, L, R, Out]) close() error {
	if c.cleanupEntry != nil {
		c.cleanupEntry.Cancel()
	}
	return multierr.Append(c.leftStore.Close(), c.rightStore.Close())
}

func (c *joinCorrelator[K, L, R, Out]) processLeft(ctx context.Context, ev Event[K, L]) error {
	kb, err := c.keySerde.Serializer(ev.Key)
	if err != nil {
		return err
	}
	window := c.cfg.Window.Nanoseconds()
	t := ev.Timestamp.UnixNano()

	unlock := c.locks.lock(kb)
	counterparts, _, err := c.rightStore.Get(ev.Key)
	if err != nil {
		unlock()
		return err
	}
	var matches []joinEntry[R]
	touched := false
	for i := range counterparts {
		if absDelta(t, counterparts[i].Ts) <= window {
			matches = append(matches, counterparts[i])
			if !counterparts[i].Matched {
				counterparts[i].Matched = true
				touched = true
			}
		}
	}
	if touched {
		if err := c.rightStore.Set(ev.Key, counterparts); err != nil {
			unlock()
			return err
		}
	}

	entries, _, err := c.leftStore.Get(ev.Key)
	if err != nil {
		unlock()
		return err
	}
	entries = appendBounded(entries, joinEntry[L]{
		Ts:         t,
		InsertedAt: time.Now().UnixNano(),
		Matched:    len(matches) > 0,
		Value:      ev.Value,
	}, c.cfg.MaxBufferPerKey)
	if err := c.leftStore.Set(ev.Key, entries); err != nil {
		unlock()
		return err
	}
	unlock()

	for _, m := range matches {
		res := c.joiner(ev.Key, Some(ev.Value), Some(m.Value))
		ts := laterOf(ev.Timestamp, time.Unix(0, m.Ts).UTC())
		if err := c.octx.Forward(ctx, Event[K, Out]{Key: ev.Key, Timestamp: ts, Value: res}); err != nil {
			return err
		}
	}
	return nil
}

func (c *joinCorrelator[K, L, R, Out]) processRight(ctx context.Context, ev Event[K, R]) error {
	kb, err := c.keySerde.Serializer(ev.Key)
	if err != nil {
		return err
	}
	window := c.cfg.Window.Nanoseconds()
	t := ev.Timestamp.UnixNano()

	unlock := c.locks.lock(kb)
	counterparts, _, err := c.leftStore.Get(ev.Key)
	if err != nil {
		unlock()
		return err
	}
	var matches []joinEntry[L]
	touched := false
	for i := range counterparts {
		if absDelta(t, counterparts[i].Ts) <= window {
			matches = append(matches, counterparts[i])
			if !counterparts[i].Matched {
				counterparts[i].Matched = true
				touched = true
			}
		}
	}
	if touched {
		if err := c.leftStore.Set(ev.Key, counterparts); err != nil {
			unlock()
			return err
		}
	}

	entries, _, err := c.rightStore.Get(ev.Key)
	if err != nil {
		unlock()
		return err
	}
	entries = appendBounded(entries, joinEntry[R]{
		Ts:         t,
		InsertedAt: time.Now().UnixNano(),
		Matched:    len(matches) > 0,
		Value:      ev.Value,
	}, c.cfg.MaxBufferPerKey)
	if err := c.rightStore.Set(ev.Key, entries); err != nil {
		unlock()
		return err
	}
	unlock()

	for _, m := range matches {
		res := c.joiner(ev.Key, Some(m.Value), Some(ev.Value))
		ts := laterOf(ev.Timestamp, time.Unix(0, m.Ts).UTC())
		if err := c.octx.Forward(ctx, Event[K, Out]{Key: ev.Key, Timestamp: ts, Value: res}); err != nil {
			return err
		}
	}
	return nil
}

// cleanup expels entries older than window+grace. The scheduler guarantees
// single-flight, so a pass never overlaps the previous one. Expired
// unmatched entries emit their one-sided result here for Left/Right/Outer
// joins.
func (c *joinCorrelator[K, L, R, Out]) cleanup(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-(c.cfg.Window + c.cfg.Grace)).UnixNano()

	leftOrphans, err := expireSide(c.leftStore, c.locks, c.keySerde, cutoff)
	if err != nil {
		return err
	}
	if c.cfg.Type == LeftJoin || c.cfg.Type == OuterJoin {
		for _, o := range leftOrphans {
			res := c.joiner(o.key, Some(o.value), None[R]())
			if err := c.octx.Forward(ctx, Event[K, Out]{Key: o.key, Timestamp: time.Unix(0, o.ts).UTC(), Value: res}); err != nil {
				return err
			}
		}
	}

	rightOrphans, err := expireSide(c.rightStore, c.locks, c.keySerde, cutoff)
	if err != nil {
		return err
	}
	if c.cfg.Type == RightJoin || c.cfg.Type == OuterJoin {
		for _, o := range rightOrphans {
			res := c.joiner(o.key, None[L](), Some(o.value))
			if err := c.octx.Forward(ctx, Event[K, Out]{Key: o.key, Timestamp: time.Unix(0, o.ts).UTC(), Value: res}); err != nil {
				return err
			}
		}
	}
	return nil
}

type orphan[K comparable, V any] struct {
	key   K
	ts    int64
	value V
}

// expireSide removes entries inserted before cutoff from every key's buffer
// and returns the unmatched ones.
func expireSide[K comparable, V any](store *state.TypedStore[K, []joinEntry[V]], locks *keyLock, keySerde serde.Serde[K], cutoff int64) ([]orphan[K, V], error) {
	var keys []K
	for k := range store.All() {
		keys = append(keys, k)
	}

	var orphans []orphan[K, V]
	for _, key := range keys {
		kb, err := keySerde.Serializer(key)
		if err != nil {
			return nil, err
		}
		unlock := locks.lock(kb)
		entries, found, err := store.Get(key)
		if err != nil {
			unlock()
			return nil, err
		}
		if !found {
			unlock()
			continue
		}
		kept := entries[:0]
		for _, e := range entries {
			if e.InsertedAt >= cutoff {
				kept = append(kept, e)
				continue
			}
			if !e.Matched {
				orphans = append(orphans, orphan[K, V]{key: key, ts: e.Ts, value: e.Value})
			}
		}
		if len(kept) == 0 {
			err = store.Delete(key)
		} else if len(kept) != len(entries) {
			err = store.Set(key, kept)
		}
		unlock()
		if err != nil {
			return nil, err
		}
	}
	return orphans, nil
}

// appendBounded appends e, evicting the oldest entry first when the buffer
// is at its bound. Eviction is FIFO by insertion order.
func appendBounded[E any](entries []E, e E, bound int) []E {
	if bound > 0 && len(entries) >= bound {
		entries = entries[len(entries)-bound+1:]
	}
	return append(entries, e)
}

func absDelta(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
