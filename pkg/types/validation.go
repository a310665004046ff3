package types

import (
	"fmt"
	"strings"
)

// ValidationFailure describes one rejected value
type ValidationFailure struct {
	ObjectID ObjectID
	Key      string // Empty for object-level failures such as denied deletes
	Err      error
}

func (f ValidationFailure) Error() string {
	if f.Key == "" {
		return fmt.Sprintf("%s: %v", f.ObjectID, f.Err)
	}
	return fmt.Sprintf("%s.%s: %v", f.ObjectID, f.Key, f.Err)
}

// ValidationError aggregates every failure found while validating a save
type ValidationError struct {
	Failures []ValidationFailure
}

// Add records a failure
func (e *ValidationError) Add(id ObjectID, key string, err error) {
	e.Failures = append(e.Failures, ValidationFailure{ObjectID: id, Key: key, Err: err})
}

// Empty reports whether no failure was recorded
func (e *ValidationError) Empty() bool {
	return len(e.Failures) == 0
}

func (e *ValidationError) Error() string {
	if len(e.Failures) == 1 {
		return "validation failed: " + e.Failures[0].Error()
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Error()
	}
	return fmt.Sprintf("validation failed (%d errors): %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the individual causes to errors.Is
func (e *ValidationError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
