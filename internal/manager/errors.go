package manager

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no live or archived session matches.
	ErrNotFound = errors.New("session not found")
	// ErrDuplicateAlias is returned when an alias is already bound to a
	// different live session and the alias policy is reject.
	ErrDuplicateAlias = errors.New("alias already bound to a live session")
	// ErrSessionLive is returned when persisting a running session without
	// SaveOptions.Force.
	ErrSessionLive = errors.New("session is still running")
)

// WorkingDirectoryError reports a template whose working directory cannot
// be used.
type WorkingDirectoryError struct {
	TemplateID string
	Path       string
	Err        error
}

func (e *WorkingDirectoryError) Error() string {
	return fmt.Sprintf("template %s: unusable working directory %q: %v", e.TemplateID, e.Path, e.Err)
}

func (e *WorkingDirectoryError) Unwrap() error { return e.Err }
