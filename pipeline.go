package rivulet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/rivulet-io/rivulet/pkg/log"
	"github.com/rivulet-io/rivulet/state"
)

type pipelineState int

const (
	pipelineCreated pipelineState = iota
	pipelineRunning
	pipelineFailed
	pipelineStopped
)

// Pipeline owns a set of linked operator chains, their state stores and the
// shared scheduler driving every background timer. Build the topology first,
// then Start; stages cannot be added to a running pipeline.
type Pipeline struct {
	id     uuid.UUID
	log    zerolog.Logger
	stores state.Builder
	tick   time.Duration

	onError ErrorHandler

	sched *scheduler

	mu      sync.RWMutex
	state   pipelineState
	failure error
	inited  int

	nodes   []nodeRef
	buffers []drainable
}

// nodeRef is the type-erased lifecycle handle for one pipeline stage.
type nodeRef struct {
	name  string
	init  func() error
	close func() error
}

// drainable is implemented by buffered sources; Stop drains them before
// closing operators.
type drainable interface {
	drain(ctx context.Context) error
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		id:     uuid.New(),
		log:    *log.New(),
		stores: state.NewMemoryBuilder(0),
		onError: func(error) ErrorRecovery {
			return RecoveryFail
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With().Str("pipeline", p.id.String()).Logger()
	p.sched = newScheduler(p.tick, p.log, p.asyncFailure)
	return p
}

// ID returns the pipeline instance id.
func (p *Pipeline) ID() uuid.UUID {
	return p.id
}

func (p *Pipeline) register(name string, init func() error, close func() error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != pipelineCreated {
		panic("rivulet: cannot add stages to a started pipeline")
	}
	p.nodes = append(p.nodes, nodeRef{name: name, init: init, close: close})
}

func (p *Pipeline) registerBuffer(b drainable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffers = append(p.buffers, b)
}

// Start initializes every stage in registration order and starts the
// scheduler. A failed init closes the already-initialized stages.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != pipelineCreated {
		p.mu.Unlock()
		return errors.New("rivulet: pipeline already started")
	}
	nodes := p.nodes
	p.mu.Unlock()

	for i, n := range nodes {
		if err := n.init(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if cerr := nodes[j].close(); cerr != nil {
					p.log.Err(cerr).Str("node", nodes[j].name).Msg("close after failed start")
				}
			}
			return fmt.Errorf("init node %s: %w", n.name, err)
		}
	}

	go p.sched.run(ctx)

	p.mu.Lock()
	p.state = pipelineRunning
	p.inited = len(nodes)
	p.mu.Unlock()

	p.log.Info().Int("nodes", len(nodes)).Msg("pipeline started")
	return nil
}

// Stop disables intake, drains buffered sources until ctx's deadline, stops
// the scheduler and closes every initialized stage in reverse order. Stopping
// a pipeline that never started, or whose Start failed and rolled back, is a
// no-op beyond draining, so `defer p.Stop(ctx)` is safe alongside a failing
// Start.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == pipelineStopped {
		p.mu.Unlock()
		return nil
	}
	wasRunning := p.state == pipelineRunning || p.state == pipelineFailed
	p.state = pipelineStopped
	nodes := p.nodes
	inited := p.inited
	buffers := p.buffers
	p.mu.Unlock()

	var errs error
	for _, b := range buffers {
		errs = multierr.Append(errs, b.drain(ctx))
	}
	if wasRunning {
		p.sched.stop()
	}
	for i := inited - 1; i >= 0; i-- {
		errs = multierr.Append(errs, nodes[i].close())
	}

	p.log.Info().Msg("pipeline stopped")
	return errs
}

func (p *Pipeline) isRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == pipelineRunning
}

// Err returns the failure that halted the pipeline, if any.
func (p *Pipeline) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.failure
}

// AdvanceWatermark moves event time forward explicitly. Sources advance the
// watermark on every Emit; this is for drivers that learn about time from
// elsewhere, and for flushing event-time windows in tests.
func (p *Pipeline) AdvanceWatermark(ctx context.Context, ts time.Time) {
	p.sched.advanceWatermark(ctx, ts)
}

// Watermark returns the current event-time watermark.
func (p *Pipeline) Watermark() time.Time {
	return p.sched.currentWatermark()
}

// handleItemError applies the error policy to a per-item failure on an
// emitter's call path.
func (p *Pipeline) handleItemError(err error) error {
	if err == nil {
		return nil
	}
	if p.onError(err) == RecoverySkip {
		p.log.Debug().Err(err).Msg("skipping failed item")
		return nil
	}
	return err
}

// asyncFailure applies the error policy to timer-driven work, where there is
// no caller to report to. A fail decision halts intake.
func (p *Pipeline) asyncFailure(err error) {
	if err == nil {
		return
	}
	if p.onError(err) == RecoverySkip {
		p.log.Debug().Err(err).Msg("skipping failed timer work")
		return
	}
	p.log.Err(err).Msg("pipeline halted")
	p.mu.Lock()
	if p.failure == nil {
		p.failure = err
	}
	if p.state == pipelineRunning {
		p.state = pipelineFailed
	}
	p.mu.Unlock()
}

// Stream is one typed edge of the pipeline graph. Operators attach to a
// stream and yield a new stream of their output type.
type Stream[K comparable, V any] struct {
	p          *Pipeline
	name       string
	downstream func(context.Context, Event[K, V]) error
}

// send forwards ev to whatever is attached downstream. A stream with no
// consumer discards events.
func (s *Stream[K, V]) send(ctx context.Context, ev Event[K, V]) error {
	if s.downstream == nil {
		return nil
	}
	return s.downstream(ctx, ev)
}

// Pipeline returns the owning pipeline.
func (s *Stream[K, V]) Pipeline() *Pipeline {
	return s.p
}

// Source is a push-style ingress.
type Source[K comparable, V any] struct {
	out *Stream[K, V]
}

// SourceOn adds an ingress to the pipeline and returns it with its stream.
func SourceOn[K comparable, V any](p *Pipeline, name string) *Source[K, V] {
	return &Source[K, V]{out: &Stream[K, V]{p: p, name: name}}
}

// Out returns the source's stream for attaching operators.
func (s *Source[K, V]) Out() *Stream[K, V] {
	return s.out
}

// Emit pushes one event into the pipeline. It advances the event-time
// watermark, then routes the event through the attached chain. Emit fails
// with ErrPipelineStopped once a stop has begun.
func (s *Source[K, V]) Emit(ctx context.Context, ev Event[K, V]) error {
	p := s.out.p
	if !p.isRunning() {
		return ErrPipelineStopped
	}
	p.sched.advanceWatermark(ctx, ev.Timestamp)
	return p.handleItemError(s.out.send(ctx, ev))
}

// OperatorContext is handed to an operator at Init. It forwards output events
// downstream and exposes the pipeline's logger and store builder.
type OperatorContext[K comparable, V any] struct {
	p       *Pipeline
	node    string
	forward func(context.Context, Event[K, V]) error
}

// Forward sends an output event to the next stage.
func (c *OperatorContext[K, V]) Forward(ctx context.Context, ev Event[K, V]) error {
	return c.forward(ctx, ev)
}

// Logger returns a logger scoped to the operator's node.
func (c *OperatorContext[K, V]) Logger() zerolog.Logger {
	return c.p.log.With().Str("node", c.node).Logger()
}

// StateBackend creates (or opens) the named store backend via the pipeline's
// store builder.
func (c *OperatorContext[K, V]) StateBackend(name string) (state.Backend, error) {
	return c.p.stores(name)
}

// NodeName returns the operator's node name.
func (c *OperatorContext[K, V]) NodeName() string {
	return c.node
}

// Operator is the low-level stage contract. The implementation can retain the
// OperatorContext passed into Init and use it to forward data and reach state
// stores. The built-in stages are built on top of it.
type Operator[Kin comparable, Vin any, Kout comparable, Vout any] interface {
	Init(ctx *OperatorContext[Kout, Vout]) error
	Process(ctx context.Context, ev Event[Kin, Vin]) error
	Close() error
}

// Apply attaches op to up and returns the stream of its output. Failures
// from the operator are wrapped in OperatorError with the node name.
func Apply[Kin comparable, Vin any, Kout comparable, Vout any](up *Stream[Kin, Vin], name string, op Operator[Kin, Vin, Kout, Vout]) *Stream[Kout, Vout] {
	out := &Stream[Kout, Vout]{p: up.p, name: name}
	octx := &OperatorContext[Kout, Vout]{
		p:    up.p,
		node: name,
		forward: func(ctx context.Context, ev Event[Kout, Vout]) error {
			return out.send(ctx, ev)
		},
	}
	up.downstream = func(ctx context.Context, ev Event[Kin, Vin]) error {
		if err := op.Process(ctx, ev); err != nil {
			var opErr *OperatorError
			if errors.As(err, &opErr) {
				return err
			}
			return &OperatorError{Node: name, Err: err}
		}
		return nil
	}
	up.p.register(name, func() error { return op.Init(octx) }, op.Close)
	return out
}
