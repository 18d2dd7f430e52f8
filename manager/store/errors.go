package store

import "errors"

var (
	// ErrConflict signals that a Pending job record already exists for the
	// resource, or that a terminal job record was asked to change status.
	ErrConflict = errors.New("store: conflicting record")

	// ErrNotFound signals a missing reservation, job record, or resource.
	ErrNotFound = errors.New("store: not found")

	// ErrVersionConflict signals an optimistic-lock failure: the resource
	// version changed between read and write. The operation is retryable.
	ErrVersionConflict = errors.New("store: resource version changed")
)
