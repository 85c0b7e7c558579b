package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection wraps every failure to reach the broker.
	ErrConnection = errors.New("broker connection failed")
	// ErrChannelClosed is reported by a consumer whose delivery stream was
	// closed while it was still subscribed.
	ErrChannelClosed = errors.New("broker channel closed")
	// ErrAlreadyConsuming is returned when Consume is called on a subscribed consumer.
	ErrAlreadyConsuming = errors.New("consumer already subscribed")
	// ErrUndeclaredDeadLetter is returned when a dead-letter target is not part of the topology.
	ErrUndeclaredDeadLetter = errors.New("dead-letter queue is not declared")
	// ErrDeadLetterCycle is returned when following dead-letter targets loops.
	ErrDeadLetterCycle = errors.New("dead-letter cycle")
)

// UnknownChannelError is returned when publishing to a queue that has no
// registered publish channel.
type UnknownChannelError struct {
	Queue string
}

func (e *UnknownChannelError) Error() string {
	return "unknown channel for queue " + e.Queue
}

// NackError is returned by handlers to reject a delivery. Requeue selects
// between redelivery and dead-lettering.
type NackError struct {
	Requeue bool
	Err     error
}

func (e *NackError) Error() string {
	if e.Requeue {
		return fmt.Sprintf("nack (requeue): %v", e.Err)
	}
	return fmt.Sprintf("nack: %v", e.Err)
}

func (e *NackError) Unwrap() error {
	return e.Err
}

// Requeue marks err as retryable: the delivery returns to its queue.
func Requeue(err error) error {
	return &NackError{Requeue: true, Err: err}
}

// Reject marks err as non-retryable: the delivery goes to the dead-letter
// queue if one is configured, otherwise it is dropped.
func Reject(err error) error {
	return &NackError{Requeue: false, Err: err}
}

// FatalError is returned by handlers that cannot make progress at all, such
// as when the status store is unavailable. The delivery is requeued and the
// consumer stops; its Err then returns the FatalError.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal marks err as fatal to the consumer handling it.
func Fatal(err error) error {
	return &FatalError{Err: err}
}
