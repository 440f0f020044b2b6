package rivulet

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rivulet-io/rivulet/state"
)

// WindowKind selects the windowing strategy.
type WindowKind int

const (
	// TumblingWindows partition time into fixed, non-overlapping intervals.
	TumblingWindows WindowKind = iota
	// SlidingWindows are fixed-size intervals advancing by a smaller step;
	// one event can fall into several.
	SlidingWindows
	// SessionWindows are bounded by inactivity gaps per key.
	SessionWindows
)

func (k WindowKind) String() string {
	switch k {
	case TumblingWindows:
		return "tumbling"
	case SlidingWindows:
		return "sliding"
	case SessionWindows:
		return "session"
	default:
		return fmt.Sprintf("WindowKind(%d)", int(k))
	}
}

// ClockKind selects the clock that drives window firing.
type ClockKind int

const (
	// EventTime fires windows off the watermark, i.e. the max event
	// timestamp observed at ingress.
	EventTime ClockKind = iota
	// WallClock fires windows off real time.
	WallClock
)

// LatePolicy decides what happens to events arriving after their window has
// fired and been purged.
type LatePolicy int

const (
	// DropLate discards late events. The default.
	DropLate LatePolicy = iota
	// RefireLate reopens the purged window and lets it fire again. A
	// window boundary may then emit more than once; opting in means the
	// downstream can cope with that.
	RefireLate
)

// WindowConfig configures a windowed aggregation stage.
type WindowConfig struct {
	Kind WindowKind

	// Size is the window length for tumbling and sliding windows.
	Size time.Duration

	// Advance is the sliding step; must satisfy 0 < Advance <= Size.
	// Ignored for other kinds.
	Advance time.Duration

	// InactivityGap closes a session once a key has been silent this long.
	// Ignored for other kinds.
	InactivityGap time.Duration

	// Grace is the extra time after a window's end before it is final.
	Grace time.Duration

	// Clock drives firing. Defaults to EventTime.
	Clock ClockKind

	// Late selects the late-data policy. Defaults to DropLate.
	Late LatePolicy

	// FireInterval is how often the firing scan runs. Defaults to the
	// pipeline tick for wall-clock windows; event-time windows also scan
	// on every watermark advance.
	FireInterval time.Duration
}

func (c WindowConfig) Validate() error {
	switch c.Kind {
	case TumblingWindows:
		if c.Size <= 0 {
			return errors.New("window: size must be positive")
		}
	case SlidingWindows:
		if c.Size <= 0 {
			return errors.New("window: size must be positive")
		}
		if c.Advance <= 0 || c.Advance > c.Size {
			return errors.New("window: advance must satisfy 0 < advance <= size")
		}
	case SessionWindows:
		if c.InactivityGap <= 0 {
			return errors.New("window: inactivity gap must be positive")
		}
	default:
		return fmt.Errorf("window: unknown kind %d", c.Kind)
	}
	if c.Grace < 0 {
		return errors.New("window: grace must not be negative")
	}
	return nil
}

// JoinType selects the join semantics.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftJoin
	RightJoin
	OuterJoin
)

func (t JoinType) String() string {
	switch t {
	case InnerJoin:
		return "inner"
	case LeftJoin:
		return "left"
	case RightJoin:
		return "right"
	case OuterJoin:
		return "outer"
	default:
		return fmt.Sprintf("JoinType(%d)", int(t))
	}
}

// JoinConfig configures a stream-stream join stage.
type JoinConfig struct {
	// Window is the maximum timestamp distance between matching events.
	Window time.Duration

	Type JoinType

	// Grace extends how long buffered entries are retained past Window.
	Grace time.Duration

	// CleanupInterval is how often expired entries are expelled.
	// Defaults to Window.
	CleanupInterval time.Duration

	// MaxBufferPerKey bounds each key's per-side buffer. When exceeded
	// the oldest entry is evicted (FIFO) to admit the new one. Zero means
	// unbounded, which makes memory growth the caller's problem.
	MaxBufferPerKey int
}

func (c JoinConfig) Validate() error {
	if c.Window <= 0 {
		return errors.New("join: window must be positive")
	}
	if c.Grace < 0 {
		return errors.New("join: grace must not be negative")
	}
	if c.CleanupInterval < 0 {
		return errors.New("join: cleanup interval must not be negative")
	}
	if c.MaxBufferPerKey < 0 {
		return errors.New("join: max buffer per key must not be negative")
	}
	if c.Type < InnerJoin || c.Type > OuterJoin {
		return fmt.Errorf("join: unknown type %d", c.Type)
	}
	return nil
}

func (c JoinConfig) cleanupInterval() time.Duration {
	if c.CleanupInterval > 0 {
		return c.CleanupInterval
	}
	return c.Window
}

// Strategy is the backpressure behavior of a buffered source whose queue is
// full.
type Strategy int

const (
	// StrategyBlock waits for a slot, up to BlockTimeout.
	StrategyBlock Strategy = iota
	// StrategyDropNewest discards the incoming item; the enqueue still
	// reports success and the drop callback fires.
	StrategyDropNewest
	// StrategyDropOldest evicts the oldest queued item to admit the new
	// one; the drop callback fires with the evicted item.
	StrategyDropOldest
	// StrategyFail fails the enqueue with ErrBufferFull.
	StrategyFail
)

func (s Strategy) String() string {
	switch s {
	case StrategyBlock:
		return "block"
	case StrategyDropNewest:
		return "drop-newest"
	case StrategyDropOldest:
		return "drop-oldest"
	case StrategyFail:
		return "fail"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// BufferConfig configures a buffered source.
type BufferConfig struct {
	// Capacity is the bounded queue size.
	Capacity int

	Strategy Strategy

	// BatchSize is the max number of items a worker hands to the pipeline
	// at once. Defaults to 1.
	BatchSize int

	// BatchTimeout is how long a worker waits for a batch to fill after
	// its first item. Zero flushes partial batches immediately.
	BatchTimeout time.Duration

	// Workers is the number of concurrent consumers. Defaults to 1.
	Workers int

	// BlockTimeout bounds StrategyBlock waits. Zero waits indefinitely
	// (until context cancellation).
	BlockTimeout time.Duration

	// FlushInterval, when positive, registers a periodic wakeup on the
	// pipeline scheduler so idle workers re-check the queue.
	FlushInterval time.Duration
}

func (c BufferConfig) Validate() error {
	if c.Capacity <= 0 {
		return errors.New("buffer: capacity must be positive")
	}
	if c.BatchSize < 0 {
		return errors.New("buffer: batch size must not be negative")
	}
	if c.Workers < 0 {
		return errors.New("buffer: workers must not be negative")
	}
	if c.BlockTimeout < 0 || c.BatchTimeout < 0 {
		return errors.New("buffer: timeouts must not be negative")
	}
	if c.Strategy < StrategyBlock || c.Strategy > StrategyFail {
		return fmt.Errorf("buffer: unknown strategy %d", c.Strategy)
	}
	return nil
}

func (c BufferConfig) batchSize() int {
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 1
}

func (c BufferConfig) workers() int {
	if c.Workers > 0 {
		return c.Workers
	}
	return 1
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.log = log
	}
}

// WithStoreBuilder sets the backend builder used by stateful stages.
// Defaults to sharded in-memory backends.
func WithStoreBuilder(b state.Builder) Option {
	return func(p *Pipeline) {
		p.stores = b
	}
}

// WithTick sets the wall-clock scheduler resolution.
func WithTick(d time.Duration) Option {
	return func(p *Pipeline) {
		p.tick = d
	}
}

// OnError installs the pipeline error handler. The default fails.
func OnError(h ErrorHandler) Option {
	return func(p *Pipeline) {
		p.onError = h
	}
}
