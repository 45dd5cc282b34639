package engine

import (
	"errors"
	"fmt"

	"qms/queue-engine/internal/store"
)

var ErrValidation = errors.New("validation failed")

// ValidationError is an illegal transition. It is never retried.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError is returned once every retry of an optimistic write lost.
type ConflictError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: gave up after %d conflicting writes", e.Op, e.Attempts)
}

func (e *ConflictError) Unwrap() error {
	return store.ErrConflict
}

type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e.Err == nil || e.Err == store.ErrUnavailable {
		return fmt.Sprintf("%s: store unavailable", e.Op)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return store.ErrUnavailable
}

func invalid(op, format string, args ...any) error {
	return &ValidationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		return err
	}
	if errors.Is(err, store.ErrUnavailable) {
		return &ConnectivityError{Op: op, Err: err}
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
