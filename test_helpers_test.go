package rivulet

import (
	"context"
	"sync"
	"testing"
	"time"
)

// capture is a sink that records everything it receives.
type capture[K comparable, V any] struct {
	mu     sync.Mutex
	events []Event[K, V]
}

func (c *capture[K, V]) sink(_ context.Context, ev Event[K, V]) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture[K, V]) snapshot() []Event[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event[K, V], len(c.events))
	copy(out, c.events)
	return out
}

func (c *capture[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

// at builds an event timestamp at the given offset from the unix epoch.
func at(d time.Duration) time.Time {
	return time.Unix(0, 0).Add(d).UTC()
}

// countAgg counts events per window or key.
var countAgg = Aggregator[string, int64, int64]{
	Init:     func() int64 { return 0 },
	Fold:     func(acc int64, _ string) int64 { return acc + 1 },
	Finalize: func(acc int64) int64 { return acc },
}
