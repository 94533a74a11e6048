package registry

import "errors"

var (
	// ErrNotFound is returned when no device exists under the given id.
	ErrNotFound = errors.New("device not found")

	// ErrAlreadyRegistered is returned when a registration would violate
	// the (owner, type, hardware) uniqueness invariant.
	ErrAlreadyRegistered = errors.New("device already registered")
)
