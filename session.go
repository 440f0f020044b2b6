package rivulet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
)

// sessionWindow tracks one key's current session bounds. Times are unix
// nanos; end is last+gap and moves with every event inside the gap.
type sessionWindow struct {
	start int64
	end   int64
	last  int64
}

// closedSession is a session that has been superseded by a new one for its
// key but has not yet fired.
type closedSession[K comparable] struct {
	key   K
	start int64
	end   int64
}

// sessionOperator implements inactivity-gap windows. An event within the gap
// of its key's last event extends the session and folds in; a larger gap
// closes the session (it fires once the clock passes end plus grace) and
// opens a new one at the event's timestamp.
type sessionOperator[K comparable, V, S, Out any] struct {
	cfg        WindowConfig
	agg        Aggregator[V, S, Out]
	keySerde   serde.Serde[K]
	stateSerde serde.Serde[S]

	octx  *OperatorContext[K, WindowResult[K, Out]]
	store *state.WindowStore[K, S]
	locks *keyLock

	mu       sync.Mutex
	sessions map[K]*sessionWindow
	closed   []closedSession[K]

	trigger *timerEntry
}

func (o *sessionOperator[K, V, S, Out]) Init(octx *OperatorContext[K, WindowResult[K, Out]]) error {
	backend, err := octx.StateBackend(octx.NodeName())
	if err != nil {
		return err
	}
	o.octx = octx
	o.store = state.NewWindowStore(octx.NodeName(), backend, o.keySerde, o.stateSerde)
	o.locks = newKeyLock(0)
	o.sessions = make(map[K]*sessionWindow)
	o.trigger = octx.p.sched.schedule(o.cfg.FireInterval, o.cfg.Clock, o.fire)
	return nil
}

func (o *sessionOperator[K, V, S, Out]) Process(ctx context.Context, ev Event[K, V]) error {
	kb, err := o.keySerde.Serializer(ev.Key)
	if err != nil {
		return err
	}
	t := ev.Timestamp.UnixNano()
	gap := o.cfg.InactivityGap.Nanoseconds()

	unlock := o.locks.lock(kb)
	defer unlock()

	o.mu.Lock()
	cur := o.sessions[ev.Key]
	var start int64
	switch {
	case cur != nil && t-cur.last <= gap:
		// Inside the gap: extend and fold into the current session.
		if t+gap > cur.end {
			cur.end = t + gap
		}
		if t > cur.last {
			cur.last = t
		}
		start = cur.start
	default:
		if cur != nil {
			// Gap exceeded: the current session closes and will
			// fire once the clock passes its end plus grace.
			o.closed = append(o.closed, closedSession[K]{key: ev.Key, start: cur.start, end: cur.end})
		}
		o.sessions[ev.Key] = &sessionWindow{start: t, end: t + gap, last: t}
		start = t
	}
	o.mu.Unlock()

	startTime := time.Unix(0, start).UTC()
	acc, found, err := o.store.Get(ev.Key, startTime)
	if err != nil {
		return err
	}
	if !found {
		acc = o.agg.Init()
	}
	acc = o.agg.Fold(acc, ev.Value)
	return o.store.Set(ev.Key, startTime, acc)
}

// fire emits every closed session past its grace, plus open sessions whose
// inactivity gap has fully elapsed on the driving clock.
func (o *sessionOperator[K, V, S, Out]) fire(ctx context.Context, now time.Time) error {
	grace := o.cfg.Grace

	o.mu.Lock()
	var due []closedSession[K]
	remaining := o.closed[:0]
	for _, c := range o.closed {
		if !now.Before(time.Unix(0, c.end).Add(grace)) {
			due = append(due, c)
		} else {
			remaining = append(remaining, c)
		}
	}
	o.closed = remaining
	for key, s := range o.sessions {
		if !now.Before(time.Unix(0, s.end).Add(grace)) {
			due = append(due, closedSession[K]{key: key, start: s.start, end: s.end})
			delete(o.sessions, key)
		}
	}
	o.mu.Unlock()

	if len(due) == 0 {
		return nil
	}
	slices.SortFunc(due, func(a, b closedSession[K]) int {
		switch {
		case a.end < b.end:
			return -1
		case a.end > b.end:
			return 1
		default:
			return 0
		}
	})

	var results []Event[K, WindowResult[K, Out]]
	for _, c := range due {
		kb, err := o.keySerde.Serializer(c.key)
		if err != nil {
			return err
		}
		start := time.Unix(0, c.start).UTC()
		end := time.Unix(0, c.end).UTC()

		unlock := o.locks.lock(kb)
		acc, found, err := o.store.Get(c.key, start)
		if err != nil {
			unlock()
			return err
		}
		if !found {
			unlock()
			continue
		}
		if err := o.store.Delete(c.key, start); err != nil {
			unlock()
			return err
		}
		unlock()

		results = append(results, Event[K, WindowResult[K, Out]]{
			Key:       c.key,
			Timestamp: end,
			Value: WindowResult[K, Out]{
				Key:   c.key,
				Start: start,
				End:   end,
				Value: o.agg.Finalize(acc),
			},
		})
	}

	for _, res := range results {
		if err := o.octx.Forward(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (o *sessionOperator[K, V, S, Out]) Close() error {
	if o.trigger != nil {
		o.trigger.Cancel()
	}
	return o.store.Close()
}
