package rivulet

import (
	"errors"
	"fmt"
)

var (
	// ErrPipelineStopped is returned by Emit once a stop has begun.
	ErrPipelineStopped = errors.New("rivulet: pipeline stopped")

	// ErrBufferFull is returned by a buffered source using StrategyFail
	// when the queue is at capacity.
	ErrBufferFull = errors.New("rivulet: buffer full")

	// ErrEnqueueTimeout is returned by a buffered source using
	// StrategyBlock when no slot frees within the blocking timeout.
	ErrEnqueueTimeout = errors.New("rivulet: enqueue timed out")
)

// OperatorError wraps a failure from a user-supplied operator function,
// identifying the pipeline node it came from.
type OperatorError struct {
	Node string
	Err  error
}

func (e *OperatorError) Error() string {
	return fmt.Sprintf("operator %s: %v", e.Node, e.Err)
}

func (e *OperatorError) Unwrap() error {
	return e.Err
}

// ErrorRecovery determines how the pipeline proceeds after a processing
// error.
type ErrorRecovery int

const (
	// RecoveryFail propagates the error to the emitter and, for
	// timer-driven work, halts the pipeline.
	RecoveryFail ErrorRecovery = iota

	// RecoverySkip logs the error and drops the offending item. Failures
	// stay isolated to the key that produced them.
	RecoverySkip
)

// ErrorHandler decides the recovery for a processing error.
type ErrorHandler func(error) ErrorRecovery
