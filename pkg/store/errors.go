package store

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidRole     = errors.New("invalid role")
	ErrStoreClosed     = errors.New("store closed")
	ErrInvalidImport   = errors.New("invalid session import")
)

// NotFoundError reports a missing row.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrSessionNotFound.Error()
	}
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	if e == nil {
		return false
	}
	switch e.Resource {
	case "session":
		return target == ErrSessionNotFound
	case "message":
		return target == ErrMessageNotFound
	}
	return false
}

func sessionNotFound(id int64) error {
	return &NotFoundError{Resource: "session", ID: id}
}

func messageNotFound(id int64) error {
	return &NotFoundError{Resource: "message", ID: id}
}

// ImportError lists the schema violations of an imported document.
type ImportError struct {
	Problems []string
}

func (e *ImportError) Error() string {
	if e == nil || len(e.Problems) == 0 {
		return ErrInvalidImport.Error()
	}
	return fmt.Sprintf("%s: %v", ErrInvalidImport, e.Problems)
}

func (e *ImportError) Is(target error) bool { return target == ErrInvalidImport }
