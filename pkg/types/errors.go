package types

import "errors"

// Domain errors shared by the model and context layers
var (
	// Model lookups
	ErrUnknownEntity = errors.New("unknown entity")
	ErrUnknownKey    = errors.New("unknown attribute or relationship")
	ErrTypeMismatch  = errors.New("value does not match attribute type")

	// Object lifecycle
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectDeleted  = errors.New("object has been deleted")
	ErrInvalidID      = errors.New("invalid object ID")

	// Validation
	ErrRequiredValue    = errors.New("value is required")
	ErrPredicateFailed  = errors.New("validation predicate failed")
	ErrDeleteDenied     = errors.New("delete denied by relationship rule")
	ErrWrongDestination = errors.New("object is not of the relationship destination entity")
)
