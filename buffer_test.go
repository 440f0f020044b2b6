package rivulet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

// gate is a sink that holds every delivery until released.
type gate[K comparable, V any] struct {
	capture[K, V]
	release chan struct{}
}

func newGate[K comparable, V any]() *gate[K, V] {
	return &gate[K, V]{release: make(chan struct{})}
}

func (g *gate[K, V]) sink(ctx context.Context, ev Event[K, V]) error {
	<-g.release
	return g.capture.sink(ctx, ev)
}

func (g *gate[K, V]) open() {
	close(g.release)
}

func TestBufferedSourceDelivers(t *testing.T) {
	ctx := context.Background()
	p := New()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity: 8,
		Strategy: StrategyBlock,
	})
	sink := &capture[string, string]{}
	SinkTo(src.Out(), "sink", sink.sink)
	assert.NoError(t, p.Start(ctx))

	for i := 0; i < 5; i++ {
		assert.NoError(t, src.Emit(ctx, NewEvent("k", at(time.Duration(i)*time.Second), "v")))
	}
	waitFor(t, time.Second, func() bool { return sink.len() == 5 })

	// Single worker preserves enqueue order.
	results := sink.snapshot()
	for i, ev := range results {
		assert.Equal(t, at(time.Duration(i)*time.Second), ev.Timestamp)
	}

	stats := src.Stats()
	assert.Equal(t, uint64(5), stats.Enqueued)
	assert.Equal(t, uint64(5), stats.Processed)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, 0, stats.Len)
	assert.Equal(t, 8, stats.Capacity)

	assert.NoError(t, p.Stop(ctx))
}

// fillBuffer saturates the queue: the worker holds one event inside the
// gated sink while n more wait in the ring.
func fillBuffer(t *testing.T, ctx context.Context, src *BufferedSource[string, string], n int) {
	t.Helper()
	assert.NoError(t, src.Emit(ctx, NewEvent("k", at(0), "inflight")))
	waitFor(t, time.Second, func() bool { return src.Stats().Len == 0 })
	for i := 0; i < n; i++ {
		assert.NoError(t, src.Emit(ctx, NewEvent("k", at(time.Duration(i+1)*time.Second), "queued")))
	}
	waitFor(t, time.Second, func() bool { return src.Stats().Len == n })
}

func TestBufferStrategyFail(t *testing.T) {
	ctx := context.Background()
	p := New()
	g := newGate[string, string]()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity: 2,
		Strategy: StrategyFail,
	})
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(ctx))

	fillBuffer(t, ctx, src, 2)
	assert.IsError(t, src.Emit(ctx, NewEvent("k", at(time.Minute), "overflow")), ErrBufferFull)

	g.open()
	waitFor(t, time.Second, func() bool { return g.len() == 3 })
	assert.NoError(t, p.Stop(ctx))
}

func TestBufferStrategyDropNewest(t *testing.T) {
	ctx := context.Background()
	p := New()
	g := newGate[string, string]()
	var droppedMu sync.Mutex
	var dropped []string
	src := BufferedSourceOn(p, "in", BufferConfig{
		Capacity: 2,
		Strategy: StrategyDropNewest,
	}, WithOnDrop(func(ev Event[string, string]) {
		droppedMu.Lock()
		dropped = append(dropped, ev.Value)
		droppedMu.Unlock()
	}))
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(ctx))

	fillBuffer(t, ctx, src, 2)
	assert.NoError(t, src.Emit(ctx, NewEvent("k", at(time.Minute), "overflow")))

	droppedMu.Lock()
	assert.Equal(t, []string{"overflow"}, dropped)
	droppedMu.Unlock()
	assert.Equal(t, uint64(1), src.Stats().Dropped)

	g.open()
	waitFor(t, time.Second, func() bool { return g.len() == 3 })
	assert.NoError(t, p.Stop(ctx))
}

func TestBufferStrategyDropOldest(t *testing.T) {
	ctx := context.Background()
	p := New()
	g := newGate[string, string]()
	var droppedMu sync.Mutex
	var dropped []time.Time
	src := BufferedSourceOn(p, "in", BufferConfig{
		Capacity: 2,
		Strategy: StrategyDropOldest,
	}, WithOnDrop(func(ev Event[string, string]) {
		droppedMu.Lock()
		dropped = append(dropped, ev.Timestamp)
		droppedMu.Unlock()
	}))
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(ctx))

	fillBuffer(t, ctx, src, 2)
	assert.NoError(t, src.Emit(ctx, NewEvent("k", at(time.Minute), "overflow")))

	// The head of the queue was evicted to make room.
	droppedMu.Lock()
	assert.Equal(t, []time.Time{at(1 * time.Second)}, dropped)
	droppedMu.Unlock()

	g.open()
	waitFor(t, time.Second, func() bool { return g.len() == 3 })

	results := g.snapshot()
	assert.Equal(t, at(0), results[0].Timestamp)
	assert.Equal(t, at(2*time.Second), results[1].Timestamp)
	assert.Equal(t, at(time.Minute), results[2].Timestamp)
	assert.NoError(t, p.Stop(ctx))
}

func TestBufferStrategyBlock(t *testing.T) {
	ctx := context.Background()
	p := New()
	g := newGate[string, string]()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity: 2,
		Strategy: StrategyBlock,
	})
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(ctx))

	fillBuffer(t, ctx, src, 2)

	emitted := make(chan error, 1)
	go func() {
		emitted <- src.Emit(ctx, NewEvent("k", at(time.Minute), "blocked"))
	}()

	select {
	case <-emitted:
		t.Fatal("emit returned before a slot freed")
	case <-time.After(50 * time.Millisecond):
	}

	// Opening the gate frees slots; the blocked emit completes.
	g.open()
	assert.NoError(t, <-emitted)
	waitFor(t, time.Second, func() bool { return g.len() == 4 })
	assert.NoError(t, p.Stop(ctx))
}

func TestBufferBlockTimeout(t *testing.T) {
	ctx := context.Background()
	p := New()
	g := newGate[string, string]()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity:     2,
		Strategy:     StrategyBlock,
		BlockTimeout: 30 * time.Millisecond,
	})
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(ctx))

	fillBuffer(t, ctx, src, 2)
	assert.IsError(t, src.Emit(ctx, NewEvent("k", at(time.Minute), "late")), ErrEnqueueTimeout)

	g.open()
	waitFor(t, time.Second, func() bool { return g.len() == 3 })
	assert.NoError(t, p.Stop(ctx))
}

func TestBufferBlockHonorsContext(t *testing.T) {
	p := New()
	g := newGate[string, string]()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity: 2,
		Strategy: StrategyBlock,
	})
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(context.Background()))

	fillBuffer(t, context.Background(), src, 2)

	ctx, cancel := context.WithCancel(context.Background())
	emitted := make(chan error, 1)
	go func() {
		emitted <- src.Emit(ctx, NewEvent("k", at(time.Minute), "cancelled"))
	}()
	cancel()
	assert.IsError(t, <-emitted, context.Canceled)

	g.open()
	waitFor(t, time.Second, func() bool { return g.len() == 3 })
	assert.NoError(t, p.Stop(context.Background()))
}

func TestBufferBatching(t *testing.T) {
	ctx := context.Background()
	p := New()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity:     16,
		Strategy:     StrategyBlock,
		BatchSize:    4,
		BatchTimeout: 10 * time.Millisecond,
	})
	sink := &capture[string, string]{}
	SinkTo(src.Out(), "sink", sink.sink)
	assert.NoError(t, p.Start(ctx))

	// Fewer events than a full batch still flow out after the batch
	// timeout rather than waiting forever.
	for i := 0; i < 3; i++ {
		assert.NoError(t, src.Emit(ctx, NewEvent("k", at(time.Duration(i)*time.Second), "v")))
	}
	waitFor(t, time.Second, func() bool { return sink.len() == 3 })
	assert.NoError(t, p.Stop(ctx))
}

func TestDrainDeadlineDiscardsRemainder(t *testing.T) {
	ctx := context.Background()
	p := New()
	g := newGate[string, string]()
	var droppedMu sync.Mutex
	var dropped int
	src := BufferedSourceOn(p, "in", BufferConfig{
		Capacity: 4,
		Strategy: StrategyBlock,
	}, WithOnDrop(func(Event[string, string]) {
		droppedMu.Lock()
		dropped++
		droppedMu.Unlock()
	}))
	SinkTo(src.Out(), "sink", g.sink)
	assert.NoError(t, p.Start(ctx))

	fillBuffer(t, ctx, src, 3)

	stopped := make(chan error, 1)
	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	go func() {
		stopped <- p.Stop(stopCtx)
	}()

	// The queued remainder is discarded at the deadline; the in-flight
	// event still completes once the sink unblocks.
	waitFor(t, time.Second, func() bool {
		droppedMu.Lock()
		defer droppedMu.Unlock()
		return dropped == 3
	})
	g.open()
	assert.NoError(t, <-stopped)
	assert.Equal(t, 1, g.len())
	assert.Equal(t, uint64(3), src.Stats().Dropped)
}

func TestEmitAfterStop(t *testing.T) {
	ctx := context.Background()
	p := New()
	src := BufferedSourceOn[string, string](p, "in", BufferConfig{
		Capacity: 4,
		Strategy: StrategyBlock,
	})
	sink := &capture[string, string]{}
	SinkTo(src.Out(), "sink", sink.sink)
	assert.NoError(t, p.Start(ctx))
	assert.NoError(t, p.Stop(ctx))

	assert.IsError(t, src.Emit(ctx, NewEvent("k", at(0), "v")), ErrPipelineStopped)
}
