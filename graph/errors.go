//
// Copyright (C) 2026 The valuegraph Authors.  All rights reserved.
//
// valuegraph is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"errors"
	"fmt"
)

// Stable error kinds carried on the wire in error events and error bodies.
const (
	ErrKindValidation       = "validation"
	ErrKindNotFound         = "not_found"
	ErrKindAlreadyRunning   = "already_running"
	ErrKindNotSuspended     = "not_suspended"
	ErrKindVersionMismatch  = "version_mismatch"
	ErrKindNodeError        = "node_error"
	ErrKindRetryExhausted   = "retry_exhausted"
	ErrKindRecursionLimit   = "recursion_limit"
	ErrKindExecutionTimeout = "execution_timeout"
	ErrKindCancelled        = "cancelled"
	ErrKindConflict         = "conflict"
	ErrKindReplayGap        = "replay_gap"
	ErrKindSlowConsumer     = "slow_consumer"
	ErrKindPersistence      = "persistence_failure"
	ErrKindUnknownInterrupt = "unknown_interrupt"
)

var (
	// ErrThreadIDRequired is returned when a saver config lacks a thread id.
	ErrThreadIDRequired = errors.New("thread_id is required")
	// ErrCheckpointNotFound is returned when the referenced checkpoint does not exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrEntryPointNotSet is returned when a graph is compiled without an entry point.
	ErrEntryPointNotSet = errors.New("entry point not set")
	// ErrUnknownChannel is returned on a write to an undeclared channel.
	ErrUnknownChannel = errors.New("unknown state channel")
	// ErrUnknownInterrupt is returned when a resume targets an interrupt id
	// that is not pending on the thread.
	ErrUnknownInterrupt = errors.New("unknown interrupt id")
)

// Error is a classified engine error. Kind is one of the stable ErrKind
// constants; Node and Namespace locate the failure when it originated inside
// a node body.
type Error struct {
	Kind      string
	Node      string
	Namespace string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("%s: node %s: %s", e.Kind, e.Node, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a classified error.
func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf classifies an arbitrary error into a stable kind string.
func KindOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	switch {
	case errors.Is(err, ErrCheckpointNotFound), errors.Is(err, ErrUnknownInterrupt):
		return ErrKindNotFound
	default:
		return ErrKindNodeError
	}
}

// Retryable marks errors the retry policy may absorb. Node bodies can return
// errors implementing this interface to opt into retries regardless of the
// policy's kind list.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err opted into retries via the Retryable
// interface.
func IsRetryable(err error) bool {
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}
