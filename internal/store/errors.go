package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("write conflict")
	ErrUnavailable = errors.New("store unavailable")
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

func TicketNotFound(id string) error {
	return &NotFoundError{Kind: "ticket", ID: id}
}

func EmployeeNotFound(id string) error {
	return &NotFoundError{Kind: "employee", ID: id}
}

// Unavailable marks err as a connectivity failure.
func Unavailable(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
