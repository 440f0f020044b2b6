package state

import (
	"context"
	"errors"
	"iter"

	"github.com/rivulet-io/rivulet/serde"
)

// TypedStore wraps a byte-oriented Backend with serdes for key and value.
type TypedStore[K comparable, V any] struct {
	name     string
	backend  Backend
	keySerde serde.Serde[K]
	valSerde serde.Serde[V]
}

func NewTypedStore[K comparable, V any](name string, backend Backend, keySerde serde.Serde[K], valSerde serde.Serde[V]) *TypedStore[K, V] {
	return &TypedStore[K, V]{
		name:     name,
		backend:  backend,
		keySerde: keySerde,
		valSerde: valSerde,
	}
}

func (s *TypedStore[K, V]) Name() string {
	return s.name
}

// Get retrieves the value for key. The second return reports presence; an
// absent key is not an error.
func (s *TypedStore[K, V]) Get(key K) (V, bool, error) {
	var zero V
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return zero, false, &StoreError{Store: s.name, Op: "get", Err: err}
	}
	vb, err := s.backend.Get(kb)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return zero, false, nil
		}
		return zero, false, &StoreError{Store: s.name, Op: "get", Err: err}
	}
	v, err := s.valSerde.Deserializer(vb)
	if err != nil {
		return zero, false, &StoreError{Store: s.name, Op: "get", Err: err}
	}
	return v, true, nil
}

func (s *TypedStore[K, V]) Set(key K, value V) error {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return &StoreError{Store: s.name, Op: "set", Err: err}
	}
	vb, err := s.valSerde.Serializer(value)
	if err != nil {
		return &StoreError{Store: s.name, Op: "set", Err: err}
	}
	if err := s.backend.Set(kb, vb); err != nil {
		return &StoreError{Store: s.name, Op: "set", Err: err}
	}
	return nil
}

func (s *TypedStore[K, V]) Delete(key K) error {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return &StoreError{Store: s.name, Op: "delete", Err: err}
	}
	if err := s.backend.Delete(kb); err != nil {
		return &StoreError{Store: s.name, Op: "delete", Err: err}
	}
	return nil
}

// All iterates over every entry in ascending serialized-key order. Entries
// that fail to decode are skipped.
func (s *TypedStore[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for kb, vb := range s.backend.All() {
			k, err := s.keySerde.Deserializer(kb)
			if err != nil {
				continue
			}
			v, err := s.valSerde.Deserializer(vb)
			if err != nil {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

func (s *TypedStore[K, V]) Flush(ctx context.Context) error {
	return s.backend.Flush(ctx)
}

func (s *TypedStore[K, V]) Close() error {
	return s.backend.Close()
}
