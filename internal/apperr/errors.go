// Package apperr holds the sentinel errors shared across nbfolio.
package apperr

import "errors"

var (
	// ErrNotFound reports a missing input notebook.
	ErrNotFound = errors.New("not found")
	// ErrMalformed reports a file that is not a well-formed notebook.
	ErrMalformed = errors.New("malformed notebook")
	// ErrUnsupported reports an embedded chart encoding nbfolio cannot export.
	// It is never fatal.
	ErrUnsupported = errors.New("unsupported chart encoding")
	// ErrConflict reports two outputs of one run claiming the same file name.
	ErrConflict = errors.New("conflict")
)
