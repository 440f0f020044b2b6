package state

import (
	"bytes"
	"context"
	"iter"
	"sync"

	"github.com/spaolacci/murmur3"
	"golang.org/x/exp/slices"
)

const defaultShardCount = 16

// MemoryBackend is an in-memory Backend sharded by key hash. Each shard has
// its own lock, so writers on unrelated keys proceed in parallel.
type MemoryBackend struct {
	name   string
	shards []*memoryShard
}

type memoryShard struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryBackend creates an in-memory backend with the given number of
// shards. A non-positive count falls back to the default.
func NewMemoryBackend(name string, shardCount int) *MemoryBackend {
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	shards := make([]*memoryShard, shardCount)
	for i := range shards {
		shards[i] = &memoryShard{items: make(map[string][]byte)}
	}
	return &MemoryBackend{name: name, shards: shards}
}

// NewMemoryBuilder returns a Builder producing memory backends with the given
// shard count.
func NewMemoryBuilder(shardCount int) Builder {
	return func(name string) (Backend, error) {
		return NewMemoryBackend(name, shardCount), nil
	}
}

func (m *MemoryBackend) shardFor(key []byte) *memoryShard {
	return m.shards[murmur3.Sum32(key)%uint32(len(m.shards))]
}

func (m *MemoryBackend) Get(key []byte) ([]byte, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.items[string(key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (m *MemoryBackend) Set(key, value []byte) error {
	s := m.shardFor(key)
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.items[string(key)] = cp
	s.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(key []byte) error {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.items, string(key))
	s.mu.Unlock()
	return nil
}

// All snapshots the keys under shard read locks, then yields entries in
// ascending key order. Entries deleted after the snapshot are skipped.
func (m *MemoryBackend) All() iter.Seq2[[]byte, []byte] {
	return m.Range(nil, nil)
}

func (m *MemoryBackend) Range(lower, upper []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		var keys []string
		for _, s := range m.shards {
			s.mu.RLock()
			for k := range s.items {
				if lower != nil && bytes.Compare([]byte(k), lower) < 0 {
					continue
				}
				if upper != nil && bytes.Compare([]byte(k), upper) >= 0 {
					continue
				}
				keys = append(keys, k)
			}
			s.mu.RUnlock()
		}
		slices.Sort(keys)
		for _, k := range keys {
			kb := []byte(k)
			v, err := m.Get(kb)
			if err != nil {
				continue
			}
			if !yield(kb, v) {
				return
			}
		}
	}
}

func (m *MemoryBackend) Flush(ctx context.Context) error {
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

var _ Backend = (*MemoryBackend)(nil)
