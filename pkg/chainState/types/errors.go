package types

import (
	"errors"
	"fmt"
)

// NonFatalError marks event-level failures. The dispatcher records them as
// call errors and moves on to the next event; the block still commits.
type NonFatalError interface {
	error
	IsNonFatal()
}

func IsNonFatal(err error) bool {
	var nf NonFatalError
	return errors.As(err, &nf)
}

// DecodeError indicates an event payload that does not match the expected
// schema for its (pallet, eventName).
type DecodeError struct {
	Pallet    string
	EventName string
	Err       error
}

func NewDecodeError(pallet string, eventName string, err error) *DecodeError {
	return &DecodeError{Pallet: pallet, EventName: eventName, Err: err}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s.%s event: %v", e.Pallet, e.EventName, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func (e *DecodeError) IsNonFatal() {}

// SkippedEventError indicates an event that references state legitimately
// outside the indexed range, e.g. a position created before the first
// indexed block on a chain with partial history.
type SkippedEventError struct {
	Pallet    string
	EventName string
	Reason    string
}

func NewSkippedEventError(pallet string, eventName string, reason string) *SkippedEventError {
	return &SkippedEventError{Pallet: pallet, EventName: eventName, Reason: reason}
}

func (e *SkippedEventError) Error() string {
	return fmt.Sprintf("skipped %s.%s event: %s", e.Pallet, e.EventName, e.Reason)
}

func (e *SkippedEventError) IsNonFatal() {}

// ConsistencyError indicates that a well-formed event references an entity
// the projections say must exist but does not. Fatal for the block: the
// transaction rolls back and nothing is committed.
type ConsistencyError struct {
	Entity string
	Key    string
	Msg    string
}

func NewConsistencyError(entity string, key string, msg string) *ConsistencyError {
	return &ConsistencyError{Entity: entity, Key: key, Msg: msg}
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s[%s]: %s", e.Entity, e.Key, e.Msg)
}

func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
