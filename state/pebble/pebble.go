// Package pebble provides a persistent state.Backend on top of cockroachdb's
// pebble LSM store. One pebble database is opened per named store.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/rivulet-io/rivulet/state"
)

type pebbleBackend struct {
	db *pebble.DB
}

// NewBackend opens (or creates) a pebble database at dir.
func NewBackend(dir string) (state.Backend, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	return &pebbleBackend{db: db}, nil
}

// NewBuilder returns a state.Builder that places each named store in its own
// subdirectory of stateDir.
func NewBuilder(stateDir string) state.Builder {
	return func(name string) (state.Backend, error) {
		return NewBackend(filepath.Join(stateDir, name))
	}
}

func (s *pebbleBackend) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, state.ErrKeyNotFound
		}
		return nil, err
	}
	defer closer.Close()

	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *pebbleBackend) Set(key, value []byte) error {
	return s.db.Set(key, value, &pebble.WriteOptions{Sync: false})
}

func (s *pebbleBackend) Delete(key []byte) error {
	return s.db.Delete(key, &pebble.WriteOptions{Sync: false})
}

func (s *pebbleBackend) All() iter.Seq2[[]byte, []byte] {
	return s.Range(nil, nil)
}

func (s *pebbleBackend) Range(lower, upper []byte) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: upper,
		})
		if err != nil {
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			v := make([]byte, len(it.Value()))
			copy(v, it.Value())
			if !yield(k, v) {
				return
			}
		}
	}
}

func (s *pebbleBackend) Flush(ctx context.Context) error {
	return s.db.Flush()
}

func (s *pebbleBackend) Close() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

var _ state.Backend = (*pebbleBackend)(nil)
