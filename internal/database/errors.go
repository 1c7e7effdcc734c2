package database

import "errors"

var (
	// ErrNotFound is returned when a lookup or expiry matches no row.
	ErrNotFound = errors.New("schematic not found")
	// ErrConflict is returned when an insert violates a key uniqueness constraint.
	ErrConflict = errors.New("schematic key already exists")
	// ErrKeyGenerationExhausted is returned when every candidate key collided.
	ErrKeyGenerationExhausted = errors.New("could not generate unique key")
	// ErrNegativeAge is returned by ExpireRecordsOlderThan for an age below zero.
	ErrNegativeAge = errors.New("sweep age must not be negative")
)

// IsNotFound reports whether err is a not-found condition.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err indicates a key uniqueness conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
