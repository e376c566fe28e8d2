package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrDuplicateName    = errors.New("duplicate name")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrNotFound         = errors.New("not found")
	ErrStore            = errors.New("store failure")
)

// DuplicateNameError reports a case-insensitive sibling name collision.
type DuplicateNameError struct {
	Level Level
	Name  string
}

func (e *DuplicateNameError) Error() string {
	return fmt.Sprintf("a %s named %q already exists here", e.Level, e.Name)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// InvalidOperationError reports a request rejected before any write.
type InvalidOperationError struct {
	Op     string
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvalidOperationError) Is(target error) bool { return target == ErrInvalidOperation }

// NotFoundError reports a missing record or a navigation target that
// never materialized.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// StoreError wraps an opaque transport or backend failure.
type StoreError struct {
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// WrapStore wraps err as a StoreError unless it is nil or already one.
func WrapStore(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Path: path, Err: err}
}

func invalid(op, format string, args ...any) error {
	return &InvalidOperationError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Invalid builds an InvalidOperationError.
func Invalid(op, format string, args ...any) error {
	return invalid(op, format, args...)
}
