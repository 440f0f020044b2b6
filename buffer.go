package rivulet

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// BufferStats is a point-in-time view of a buffered source's queue.
type BufferStats struct {
	Len       int
	Capacity  int
	Enqueued  uint64
	Processed uint64
	Dropped   uint64
}

// BufferOption configures a buffered source beyond its BufferConfig.
type BufferOption[K comparable, V any] func(*BufferedSource[K, V])

// WithOnDrop installs the callback invoked with every dropped event, whether
// dropped on enqueue or discarded at the drain deadline.
func WithOnDrop[K comparable, V any](fn func(Event[K, V])) BufferOption[K, V] {
	return func(b *BufferedSource[K, V]) {
		b.onDrop = fn
	}
}

// slot is one queued item. Sequence numbers increase monotonically per
// source and identify items across drops and evictions.
type slot[K comparable, V any] struct {
	seq uint64
	ev  Event[K, V]
}

// BufferedSource decouples producers from pipeline execution: Emit enqueues
// into a bounded ring, a pool of workers drains it in batches through the
// attached chain. When the ring is full the configured backpressure strategy
// applies.
type BufferedSource[K comparable, V any] struct {
	cfg    BufferConfig
	out    *Stream[K, V]
	p      *Pipeline
	onDrop func(Event[K, V])

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	slots    []slot[K, V]
	head     int
	count    int
	seq      uint64
	closed   bool

	enqueued  atomic.Uint64
	processed atomic.Uint64
	dropped   atomic.Uint64

	eg         *errgroup.Group
	flushEntry *timerEntry
}

// BufferedSourceOn adds a buffered ingress to the pipeline. Workers start
// with the pipeline and drain until Stop's deadline.
func BufferedSourceOn[K comparable, V any](p *Pipeline, name string, cfg BufferConfig, opts ...BufferOption[K, V]) *BufferedSource[K, V] {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	b := &BufferedSource[K, V]{
		cfg:   cfg,
		out:   &Stream[K, V]{p: p, name: name},
		p:     p,
		slots: make([]slot[K, V], cfg.Capacity),
	}
	b.notFull = sync.NewCond(&b.mu)
	b.notEmpty = sync.NewCond(&b.mu)
	for _, opt := range opts {
		opt(b)
	}
	p.register(name, b.start, func() error { return nil })
	p.registerBuffer(b)
	return b
}

// Out returns the source's stream for attaching operators.
func (b *BufferedSource[K, V]) Out() *Stream[K, V] {
	return b.out
}

// Stats reads the queue counters.
func (b *BufferedSource[K, V]) Stats() BufferStats {
	b.mu.Lock()
	length := b.count
	b.mu.Unlock()
	return BufferStats{
		Len:       length,
		Capacity:  b.cfg.Capacity,
		Enqueued:  b.enqueued.Load(),
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
	}
}

func (b *BufferedSource[K, V]) start() error {
	b.eg = &errgroup.Group{}
	for i := 0; i < b.cfg.workers(); i++ {
		b.eg.Go(func() error {
			b.worker(context.Background())
			return nil
		})
	}
	if b.cfg.FlushInterval > 0 {
		b.flushEntry = b.p.sched.schedule(b.cfg.FlushInterval, WallClock, func(context.Context, time.Time) error {
			b.mu.Lock()
			b.notEmpty.Broadcast()
			b.mu.Unlock()
			return nil
		})
	}
	return nil
}

// Emit enqueues one event. It never routes the event itself; a worker does
// that later. Which error, if any, the caller sees when the queue is full
// depends on the strategy.
func (b *BufferedSource[K, V]) Emit(ctx context.Context, ev Event[K, V]) error {
	if !b.p.isRunning() {
		return ErrPipelineStopped
	}
	b.p.sched.advanceWatermark(ctx, ev.Timestamp)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrPipelineStopped
	}
	if b.count < b.cfg.Capacity {
		b.pushLocked(ev)
		b.mu.Unlock()
		return nil
	}

	switch b.cfg.Strategy {
	case StrategyFail:
		b.mu.Unlock()
		return ErrBufferFull

	case StrategyDropNewest:
		b.dropped.Inc()
		b.mu.Unlock()
		if b.onDrop != nil {
			b.onDrop(ev)
		}
		return nil

	case StrategyDropOldest:
		evicted := b.popLocked(1)
		b.dropped.Inc()
		b.pushLocked(ev)
		b.mu.Unlock()
		if b.onDrop != nil && len(evicted) == 1 {
			b.onDrop(evicted[0])
		}
		return nil

	default: // StrategyBlock
		return b.blockingPushLocked(ctx, ev)
	}
}

// blockingPushLocked waits for a slot, honoring BlockTimeout and context
// cancellation. Called with b.mu held; returns with it released.
func (b *BufferedSource[K, V]) blockingPushLocked(ctx context.Context, ev Event[K, V]) error {
	var deadline time.Time
	if b.cfg.BlockTimeout > 0 {
		deadline = time.Now().Add(b.cfg.BlockTimeout)
		timer := time.AfterFunc(b.cfg.BlockTimeout, func() {
			b.mu.Lock()
			b.notFull.Broadcast()
			b.mu.Unlock()
		})
		defer timer.Stop()
	}
	stopWatch := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.notFull.Broadcast()
		b.mu.Unlock()
	})
	defer stopWatch()

	for b.count == b.cfg.Capacity && !b.closed && ctx.Err() == nil {
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			break
		}
		b.notFull.Wait()
	}

	switch {
	case b.closed:
		b.mu.Unlock()
		return ErrPipelineStopped
	case ctx.Err() != nil:
		b.mu.Unlock()
		return ctx.Err()
	case b.count == b.cfg.Capacity:
		b.mu.Unlock()
		return ErrEnqueueTimeout
	}
	b.pushLocked(ev)
	b.mu.Unlock()
	return nil
}

func (b *BufferedSource[K, V]) pushLocked(ev Event[K, V]) {
	b.slots[(b.head+b.count)%b.cfg.Capacity] = slot[K, V]{seq: b.seq, ev: ev}
	b.seq++
	b.count++
	b.enqueued.Inc()
	b.notEmpty.Signal()
}

func (b *BufferedSource[K, V]) popLocked(n int) []Event[K, V] {
	if n > b.count {
		n = b.count
	}
	if n == 0 {
		return nil
	}
	out := make([]Event[K, V], n)
	for i := 0; i < n; i++ {
		out[i] = b.slots[b.head].ev
		b.slots[b.head] = slot[K, V]{}
		b.head = (b.head + 1) % b.cfg.Capacity
		b.count--
	}
	b.notFull.Broadcast()
	return out
}

// worker drains batches until the source is closed and empty. In-flight
// batches always complete; cancellation never pre-empts mid-item.
func (b *BufferedSource[K, V]) worker(ctx context.Context) {
	for {
		batch := b.take()
		if len(batch) == 0 {
			return
		}
		for _, ev := range batch {
			if err := b.out.send(ctx, ev); err != nil {
				b.p.asyncFailure(err)
			}
			b.processed.Inc()
		}
	}
}

// take blocks for the first item, then fills the batch up to BatchSize or
// BatchTimeout, whichever comes first. Returns an empty batch only when the
// source is closed and drained.
func (b *BufferedSource[K, V]) take() []Event[K, V] {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.notEmpty.Wait()
	}
	if b.count == 0 {
		return nil
	}

	max := b.cfg.batchSize()
	batch := b.popLocked(max)
	if len(batch) == max || b.cfg.BatchTimeout <= 0 {
		return batch
	}

	deadline := time.Now().Add(b.cfg.BatchTimeout)
	timer := time.AfterFunc(b.cfg.BatchTimeout, func() {
		b.mu.Lock()
		b.notEmpty.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()

	for len(batch) < max && !b.closed && time.Now().Before(deadline) {
		if b.count == 0 {
			b.notEmpty.Wait()
			continue
		}
		batch = append(batch, b.popLocked(max-len(batch))...)
	}
	return batch
}

// drain disables intake, lets queued items flow through the pipeline until
// ctx's deadline, then discards the remainder.
func (b *BufferedSource[K, V]) drain(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.notEmpty.Broadcast()
	b.notFull.Broadcast()
	b.mu.Unlock()

	if b.flushEntry != nil {
		b.flushEntry.Cancel()
	}
	if b.eg == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.eg.Wait() //nolint:errcheck // workers never return errors
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		discarded := b.popLocked(b.count)
		b.dropped.Add(uint64(len(discarded)))
		b.notEmpty.Broadcast()
		b.mu.Unlock()
		if b.onDrop != nil {
			for _, ev := range discarded {
				b.onDrop(ev)
			}
		}
		<-done
		return nil
	}
}
