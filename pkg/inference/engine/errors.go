package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrGeneration         = errors.New("generation error")
)

// ValidationError reports invalid input. It is returned before any side
// effect takes place.
type ValidationError struct {
	Field  string
	Reason string
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

// BackendUnavailableError reports that a backend could not be reached or
// refused the request before producing any output.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	if e == nil {
		return ErrBackendUnavailable.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrBackendUnavailable, e.Backend)
	}
	return fmt.Sprintf("%s: %s: %v", ErrBackendUnavailable, e.Backend, e.Err)
}

func (e *BackendUnavailableError) Is(target error) bool { return target == ErrBackendUnavailable }

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// GenerationError reports a failure while output was being produced.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	if e == nil {
		return ErrGeneration.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrGeneration, e.Backend)
	}
	return fmt.Sprintf("%s: %s: %v", ErrGeneration, e.Backend, e.Err)
}

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

func (e *GenerationError) Unwrap() error { return e.Err }

func NewBackendUnavailableError(backend string, err error) error {
	return &BackendUnavailableError{Backend: backend, Err: err}
}

func NewGenerationError(backend string, err error) error {
	return &GenerationError{Backend: backend, Err: err}
}
