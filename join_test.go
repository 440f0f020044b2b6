package rivulet

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/rivulet-io/rivulet/serde"
)

func renderJoin(_ string, l Optional[string], r Optional[string]) string {
	return fmt.Sprintf("%s|%s", l.OrElse("-"), r.OrElse("-"))
}

func startJoined(t *testing.T, cfg JoinConfig, opts ...Option) (*Source[string, string], *Source[string, string], *capture[string, string]) {
	t.Helper()
	p := New(opts...)
	left := SourceOn[string, string](p, "left")
	right := SourceOn[string, string](p, "right")
	joined := JoinStreams(left.Out(), right.Out(), "join", cfg, renderJoin, serde.String)
	sink := &capture[string, string]{}
	SinkTo(joined, "sink", sink.sink)
	assert.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, p.Stop(context.Background()))
	})
	return left, right, sink
}

func TestInnerJoin(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window: 10 * time.Second,
		Type:   InnerJoin,
	})

	assert.NoError(t, left.Emit(ctx, NewEvent("k", at(10*time.Second), "l1")))
	assert.NoError(t, right.Emit(ctx, NewEvent("k", at(12*time.Second), "r1")))

	// |25-12| and |25-10| both exceed the window.
	assert.NoError(t, right.Emit(ctx, NewEvent("k", at(25*time.Second), "r2")))

	results := sink.snapshot()
	assert.Equal(t, 1, len(results))
	assert.Equal(t, "l1|r1", results[0].Value)
	// The joined event carries the later of the two timestamps.
	assert.Equal(t, at(12*time.Second), results[0].Timestamp)
}

func TestJoinKeysDoNotCorrelate(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window: 10 * time.Second,
		Type:   InnerJoin,
	})

	assert.NoError(t, left.Emit(ctx, NewEvent("a", at(10*time.Second), "l1")))
	assert.NoError(t, right.Emit(ctx, NewEvent("b", at(10*time.Second), "r1")))

	assert.Equal(t, 0, sink.len())
}

func TestJoinManyToMany(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window: 10 * time.Second,
		Type:   InnerJoin,
	})

	assert.NoError(t, left.Emit(ctx, NewEvent("k", at(10*time.Second), "l1")))
	assert.NoError(t, left.Emit(ctx, NewEvent("k", at(11*time.Second), "l2")))
	assert.NoError(t, right.Emit(ctx, NewEvent("k", at(12*time.Second), "r1")))
	assert.NoError(t, right.Emit(ctx, NewEvent("k", at(13*time.Second), "r2")))

	// Every left pairs with every right: 2 on r1's arrival, 2 on r2's.
	results := sink.snapshot()
	assert.Equal(t, 4, len(results))
	seen := map[string]bool{}
	for _, r := range results {
		seen[r.Value] = true
	}
	assert.True(t, seen["l1|r1"])
	assert.True(t, seen["l2|r1"])
	assert.True(t, seen["l1|r2"])
	assert.True(t, seen["l2|r2"])
}

func TestJoinBufferBound(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window:          time.Minute,
		Type:            InnerJoin,
		MaxBufferPerKey: 2,
	})

	// Three lefts with a bound of two: l1 is evicted before the right
	// arrives and never joins.
	assert.NoError(t, left.Emit(ctx, NewEvent("k", at(1*time.Second), "l1")))
	assert.NoError(t, left.Emit(ctx, NewEvent("k", at(2*time.Second), "l2")))
	assert.NoError(t, left.Emit(ctx, NewEvent("k", at(3*time.Second), "l3")))
	assert.NoError(t, right.Emit(ctx, NewEvent("k", at(4*time.Second), "r1")))

	results := sink.snapshot()
	assert.Equal(t, 2, len(results))
	values := map[string]bool{}
	for _, r := range results {
		values[r.Value] = true
	}
	assert.True(t, values["l2|r1"])
	assert.True(t, values["l3|r1"])
}

func TestLeftJoinEmitsUnmatchedOnExpiry(t *testing.T) {
	ctx := context.Background()
	left, _, sink := startJoined(t, JoinConfig{
		Window:          20 * time.Millisecond,
		Type:            LeftJoin,
		CleanupInterval: 10 * time.Millisecond,
	}, WithTick(5*time.Millisecond))

	assert.NoError(t, left.Emit(ctx, NewEvent("k", time.Now(), "l1")))

	waitFor(t, time.Second, func() bool {
		return sink.len() == 1
	})

	results := sink.snapshot()
	assert.Equal(t, "l1|-", results[0].Value)

	// Expiry happens exactly once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.len())
}

func TestRightJoinEmitsUnmatchedRightOnly(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window:          20 * time.Millisecond,
		Type:            RightJoin,
		CleanupInterval: 10 * time.Millisecond,
	}, WithTick(5*time.Millisecond))

	assert.NoError(t, left.Emit(ctx, NewEvent("a", time.Now(), "l1")))
	assert.NoError(t, right.Emit(ctx, NewEvent("b", time.Now(), "r1")))

	waitFor(t, time.Second, func() bool {
		return sink.len() == 1
	})

	results := sink.snapshot()
	assert.Equal(t, "b", results[0].Key)
	assert.Equal(t, "-|r1", results[0].Value)

	// The unmatched left entry expires silently, and the right orphan
	// emits only once.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sink.len())
}

func TestOuterJoinEmitsBothSides(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window:          20 * time.Millisecond,
		Type:            OuterJoin,
		CleanupInterval: 10 * time.Millisecond,
	}, WithTick(5*time.Millisecond))

	assert.NoError(t, left.Emit(ctx, NewEvent("a", time.Now(), "l1")))
	assert.NoError(t, right.Emit(ctx, NewEvent("b", time.Now(), "r1")))

	waitFor(t, time.Second, func() bool {
		return sink.len() == 2
	})

	values := map[string]bool{}
	for _, r := range sink.snapshot() {
		values[r.Value] = true
	}
	assert.True(t, values["l1|-"])
	assert.True(t, values["-|r1"])
}

func TestInnerJoinSuppressesExpiry(t *testing.T) {
	ctx := context.Background()
	left, _, sink := startJoined(t, JoinConfig{
		Window:          20 * time.Millisecond,
		Type:            InnerJoin,
		CleanupInterval: 10 * time.Millisecond,
	}, WithTick(5*time.Millisecond))

	assert.NoError(t, left.Emit(ctx, NewEvent("k", time.Now(), "l1")))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, sink.len())
}

func TestMatchedEntryDoesNotExpireAsOrphan(t *testing.T) {
	ctx := context.Background()
	left, right, sink := startJoined(t, JoinConfig{
		Window:          20 * time.Millisecond,
		Type:            OuterJoin,
		CleanupInterval: 10 * time.Millisecond,
	}, WithTick(5*time.Millisecond))

	now := time.Now()
	assert.NoError(t, left.Emit(ctx, NewEvent("k", now, "l1")))
	assert.NoError(t, right.Emit(ctx, NewEvent("k", now, "r1")))
	assert.Equal(t, 1, sink.len())

	// Both entries joined, so expiry produces nothing further.
	time.Sleep(150 * time.Millisecond)
	results := sink.snapshot()
	assert.Equal(t, 1, len(results))
	assert.Equal(t, "l1|r1", results[0].Value)
}
