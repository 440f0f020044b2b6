package rivulet

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
)

// WindowResult is one fired window: the key, the window bounds [Start, End)
// and the finalized accumulation.
type WindowResult[K comparable, Out any] struct {
	Key   K
	Start time.Time
	End   time.Time
	Value Out
}

// WindowBy attaches a windowed aggregation stage. Events are assigned to
// windows per cfg.Kind, folded per key in arrival order, and each window is
// emitted exactly once when the driving clock passes its end plus grace.
// The result event's timestamp is the window end.
func WindowBy[K comparable, V, S, Out any](up *Stream[K, V], name string, cfg WindowConfig, agg Aggregator[V, S, Out], keySerde serde.Serde[K], stateSerde serde.Serde[S]) *Stream[K, WindowResult[K, Out]] {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	if cfg.Kind == SessionWindows {
		return Apply(up, name, &sessionOperator[K, V, S, Out]{
			cfg:        cfg,
			agg:        agg,
			keySerde:   keySerde,
			stateSerde: stateSerde,
		})
	}
	return Apply(up, name, &windowOperator[K, V, S, Out]{
		cfg:        cfg,
		agg:        agg,
		keySerde:   keySerde,
		stateSerde: stateSerde,
	})
}

// floorMultiple rounds n down to a multiple of step; correct for negative n.
func floorMultiple(n, step int64) int64 {
	r := n % step
	if r < 0 {
		r += step
	}
	return n - r
}

// assignStarts returns the window starts (unix nanos) an event timestamp
// falls into. Tumbling assigns exactly one; sliding fans out to every window
// whose start is a multiple of Advance with start <= t < start+Size.
func assignStarts(cfg WindowConfig, ts time.Time) []int64 {
	n := ts.UnixNano()
	size := cfg.Size.Nanoseconds()
	if cfg.Kind == TumblingWindows {
		return []int64{floorMultiple(n, size)}
	}

	adv := cfg.Advance.Nanoseconds()
	last := floorMultiple(n, adv)
	starts := make([]int64, 0, (size+adv-1)/adv)
	for start := last; start > n-size; start -= adv {
		starts = append(starts, start)
	}
	slices.Reverse(starts)
	return starts
}

// windowRef identifies one open fixed window.
type windowRef[K comparable] struct {
	key   K
	start int64
}

// windowOperator implements tumbling and sliding windows. Accumulators live
// in a WindowStore addressed by (key, start); the open-window index is kept
// in memory and rebuilt implicitly as events arrive. Firing runs as one
// recurring entry on the pipeline scheduler.
type windowOperator[K comparable, V, S, Out any] struct {
	cfg        WindowConfig
	agg        Aggregator[V, S, Out]
	keySerde   serde.Serde[K]
	stateSerde serde.Serde[S]

	octx  *OperatorContext[K, WindowResult[K, Out]]
	store *state.WindowStore[K, S]
	locks *keyLock

	openMu sync.Mutex
	open   map[windowRef[K]]struct{}

	trigger *timerEntry
}

func (o *windowOperator[K, V, S, Out]) Init(octx *OperatorContext[K, WindowResult[K, Out]]) error {
	backend, err := octx.StateBackend(octx.NodeName())
	if err != nil {
		return err
	}
	o.octx = octx
	o.store = state.NewWindowStore(octx.NodeName(), backend, o.keySerde, o.stateSerde)
	o.locks = newKeyLock(0)
	o.open = make(map[windowRef[K]]struct{})
	o.trigger = octx.p.sched.schedule(o.cfg.FireInterval, o.cfg.Clock, o.fire)
	return nil
}

// now returns the driving clock's current reading.
func (o *windowOperator[K, V, S, Out]) now() time.Time {
	if o.cfg.Clock == WallClock {
		return time.Now()
	}
	return o.octx.p.sched.currentWatermark()
}

// isFinal reports whether a window ending at end is already past its grace
// on the driving clock.
func (o *windowOperator[K, V, S, Out]) isFinal(end time.Time, now time.Time) bool {
	return !now.Before(end.Add(o.cfg.Grace))
}

func (o *windowOperator[K, V, S, Out]) Process(ctx context.Context, ev Event[K, V]) error {
	kb, err := o.keySerde.Serializer(ev.Key)
	if err != nil {
		return err
	}
	now := o.now()

	for _, startNanos := range assignStarts(o.cfg, ev.Timestamp) {
		start := time.Unix(0, startNanos).UTC()
		end := start.Add(o.cfg.Size)

		if o.isFinal(end, now) {
			// The window has fired and been purged; this event is
			// late data.
			if o.cfg.Late == DropLate {
				log := o.octx.Logger()
				log.Debug().
					Time("event", ev.Timestamp).
					Time("window_end", end).
					Msg("dropping late event")
				continue
			}
			// RefireLate: fall through, reopening the window. It
			// will fire a second time for the same boundary.
		}

		unlock := o.locks.lock(kb)
		acc, found, err := o.store.Get(ev.Key, start)
		if err != nil {
			unlock()
			return err
		}
		if !found {
			acc = o.agg.Init()
		}
		acc = o.agg.Fold(acc, ev.Value)
		if err := o.store.Set(ev.Key, start, acc); err != nil {
			unlock()
			return err
		}
		unlock()

		o.openMu.Lock()
		o.open[windowRef[K]{key: ev.Key, start: startNanos}] = struct{}{}
		o.openMu.Unlock()
	}
	return nil
}

// fire scans the open windows and emits every one whose end plus grace has
// been passed by the driving clock. The window's state is purged in the same
// pass, so a boundary fires at most once unless late data reopens it.
func (o *windowOperator[K, V, S, Out]) fire(ctx context.Context, now time.Time) error {
	size := o.cfg.Size

	o.openMu.Lock()
	var due []windowRef[K]
	for ref := range o.open {
		end := time.Unix(0, ref.start).Add(size)
		if o.isFinal(end, now) {
			due = append(due, ref)
		}
	}
	for _, ref := range due {
		delete(o.open, ref)
	}
	o.openMu.Unlock()

	if len(due) == 0 {
		return nil
	}
	slices.SortFunc(due, func(a, b windowRef[K]) int {
		switch {
		case a.start < b.start:
			return -1
		case a.start > b.start:
			return 1
		default:
			return 0
		}
	})

	var results []Event[K, WindowResult[K, Out]]
	for _, ref := range due {
		kb, err := o.keySerde.Serializer(ref.key)
		if err != nil {
			return err
		}
		start := time.Unix(0, ref.start).UTC()
		end := start.Add(size)

		unlock := o.locks.lock(kb)
		acc, found, err := o.store.Get(ref.key, start)
		if err != nil {
			unlock()
			return err
		}
		if !found {
			unlock()
			continue
		}
		if err := o.store.Delete(ref.key, start); err != nil {
			unlock()
			return err
		}
		unlock()

		results = append(results, Event[K, WindowResult[K, Out]]{
			Key:       ref.key,
			Timestamp: end,
			Value: WindowResult[K, Out]{
				Key:   ref.key,
				Start: start,
				End:   end,
				Value: o.agg.Finalize(acc),
			},
		})
	}

	// Forward outside the key locks; downstream stages may take their own.
	for _, res := range results {
		if err := o.octx.Forward(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (o *windowOperator[K, V, S, Out]) Close() error {
	if o.trigger != nil {
		o.trigger.Cancel()
	}
	return o.store.Close()
}
