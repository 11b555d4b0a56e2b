package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when a create collides with an existing
	// key.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrDuplicateTask is returned when an identity claim loses to an earlier
	// task with the same identity hash.
	ErrDuplicateTask = errors.New("task with identical identity already exists")
)
