package storage

import "errors"

// Storage errors shared by all implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateNonce is returned when creating an order whose
	// (trader, nonce) pair already exists. Orders are append-only.
	ErrDuplicateNonce = errors.New("duplicate trader nonce")

	// ErrInvalidTransition is returned when a status change violates the
	// one-way lattice: pending -> executed | canceled | expired.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
