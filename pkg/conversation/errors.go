package conversation

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrInvalidVersionIndex = errors.New("invalid version index")
	ErrStreamInterrupted   = errors.New("stream interrupted")
	ErrUpstream            = errors.New("upstream failure")
)

// ValidationError reports empty or malformed caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidVersionIndexError is returned when an active index is odd or out of range.
type InvalidVersionIndexError struct {
	Index    int
	Versions int
}

func (e *InvalidVersionIndexError) Error() string {
	if e == nil {
		return ErrInvalidVersionIndex.Error()
	}
	return fmt.Sprintf("%s: %d (versions=%d)", ErrInvalidVersionIndex, e.Index, e.Versions)
}

func (e *InvalidVersionIndexError) Is(target error) bool { return target == ErrInvalidVersionIndex }

// UpstreamError wraps a failure of the completion or memory service.
type UpstreamError struct {
	Service string
	Err     error
}

func NewUpstreamError(service string, err error) *UpstreamError {
	return &UpstreamError{Service: service, Err: err}
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return ErrUpstream.Error()
	}
	return fmt.Sprintf("%s (%s): %v", ErrUpstream, e.Service, e.Err)
}

func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

func (e *UpstreamError) Unwrap() error { return e.Err }
