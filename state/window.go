package state

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rivulet-io/rivulet/serde"
)

// WindowStore addresses values by (key, window start). The composite key is
// encoded as a length-prefixed serialized key followed by the start time as
// big-endian unix nanoseconds, so entries for one key sort chronologically.
type WindowStore[K comparable, V any] struct {
	name     string
	backend  Backend
	keySerde serde.Serde[K]
	valSerde serde.Serde[V]
}

func NewWindowStore[K comparable, V any](name string, backend Backend, keySerde serde.Serde[K], valSerde serde.Serde[V]) *WindowStore[K, V] {
	return &WindowStore[K, V]{
		name:     name,
		backend:  backend,
		keySerde: keySerde,
		valSerde: valSerde,
	}
}

func (s *WindowStore[K, V]) Name() string {
	return s.name
}

func (s *WindowStore[K, V]) encodeKey(key K, start time.Time) ([]byte, error) {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return nil, err
	}
	if len(kb) > 1<<16-1 {
		return nil, fmt.Errorf("window key too long: %d bytes", len(kb))
	}
	buf := make([]byte, 2+len(kb)+8)
	binary.BigEndian.PutUint16(buf, uint16(len(kb)))
	copy(buf[2:], kb)
	binary.BigEndian.PutUint64(buf[2+len(kb):], uint64(start.UnixNano()))
	return buf, nil
}

func (s *WindowStore[K, V]) decodeKey(b []byte) (K, time.Time, error) {
	var zero K
	if len(b) < 2 {
		return zero, time.Time{}, fmt.Errorf("window key truncated: %d bytes", len(b))
	}
	kl := int(binary.BigEndian.Uint16(b))
	if len(b) != 2+kl+8 {
		return zero, time.Time{}, fmt.Errorf("window key malformed: %d bytes, key length %d", len(b), kl)
	}
	k, err := s.keySerde.Deserializer(b[2 : 2+kl])
	if err != nil {
		return zero, time.Time{}, err
	}
	start := time.Unix(0, int64(binary.BigEndian.Uint64(b[2+kl:]))).UTC()
	return k, start, nil
}

func (s *WindowStore[K, V]) Get(key K, start time.Time) (V, bool, error) {
	var zero V
	kb, err := s.encodeKey(key, start)
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

func (s *WindowStore[K, V]) Set(key K, start time.Time, value V) error {
	kb, err := s.encodeKey(key, start)
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

func (s *WindowStore[K, V]) Delete(key K, start time.Time) error {
	kb, err := s.encodeKey(key, start)
	if err != nil {
		return &StoreError{Store: s.name, Op: "delete", Err: err}
	}
	if err := s.backend.Delete(kb); err != nil {
		return &StoreError{Store: s.name, Op: "delete", Err: err}
	}
	return nil
}

// Fetch yields the windows for key with from <= start < to, in start order.
func (s *WindowStore[K, V]) Fetch(key K, from, to time.Time, yield func(start time.Time, value V) bool) error {
	lower, err := s.encodeKey(key, from)
	if err != nil {
		return &StoreError{Store: s.name, Op: "fetch", Err: err}
	}
	upper, err := s.encodeKey(key, to)
	if err != nil {
		return &StoreError{Store: s.name, Op: "fetch", Err: err}
	}
	for kb, vb := range s.backend.Range(lower, upper) {
		_, start, err := s.decodeKey(kb)
		if err != nil {
			continue
		}
		v, err := s.valSerde.Deserializer(vb)
		if err != nil {
			continue
		}
		if !yield(start, v) {
			return nil
		}
	}
	return nil
}

func (s *WindowStore[K, V]) Flush(ctx context.Context) error {
	return s.backend.Flush(ctx)
}

func (s *WindowStore[K, V]) Close() error {
	return s.backend.Close()
}
