// Package state provides the key-value storage backing the engine's stateful
// operators. Operators consume storage through the byte-oriented Backend
// contract; typed wrappers in this package add serde on top of it.
package state

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

// ErrKeyNotFound is returned by Backend.Get when the key is absent.
var ErrKeyNotFound = errors.New("state: key not found")

// StoreError wraps a backend failure. Callers do not retry internally;
// retry and backoff are the backend's own policy.
type StoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Backend is the low-level byte-oriented store contract. Implementations must
// be safe for concurrent use; operations on distinct keys must not serialize
// behind a single global critical section.
type Backend interface {
	// Get returns the value for key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)

	// Set stores a key-value pair, overwriting any previous value.
	Set(key, value []byte) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(key []byte) error

	// All iterates over every entry in ascending key order.
	All() iter.Seq2[[]byte, []byte]

	// Range iterates over entries with lower <= key < upper, ascending.
	Range(lower, upper []byte) iter.Seq2[[]byte, []byte]

	// Flush persists any buffered writes.
	Flush(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Builder constructs a named Backend. Operators create their stores through
// a Builder so that the storage choice stays a pipeline-level decision.
type Builder func(name string) (Backend, error)
