package executor

import (
	"context"
	"errors"
	"fmt"
)

// UnknownTypeError is returned when no executor is registered for a node type.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("no executor for type: %q", e.Type)
}

func (e *UnknownTypeError) Category() string { return "UnknownExecutorType" }

// DuplicateTypeError is a startup configuration error: two executors claim one type.
type DuplicateTypeError struct {
	Type string
}

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("duplicate executor registration for type: %q", e.Type)
}

func (e *DuplicateTypeError) Category() string { return "DuplicateExecutorType" }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The engine fails the node without
// spending the rest of its attempt budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type categorizer interface {
	Category() string
}

// Category names the kind of failure for persisted node errors.
func Category(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if c, ok := e.(categorizer); ok {
			return c.Category()
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "Canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "DeadlineExceeded"
	default:
		return "ExecutionError"
	}
}

// Describe renders err as "<category>: <message>".
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return Category(err) + ": " + err.Error()
}
