package store

import "errors"

var (
	// ErrNotFound indicates the referenced document or row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness violation or an illegal re-import
	// (e.g. importing lines into a document that already has them).
	ErrConflict = errors.New("conflict")
)
