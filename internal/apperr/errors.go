// Package apperr defines sentinel errors shared across service boundaries.
package apperr

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = errors.New("already exists")

	// ErrTaskTerminal is returned when a status transition is attempted on a
	// task that has already reached a terminal state.
	ErrTaskTerminal = errors.New("task is in a terminal state")
)
