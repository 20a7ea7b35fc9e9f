package repository

import "errors"

// Sentinel kinds for record store errors.
var (
	// ErrDuplicateKey is returned when a prediction with the same analysis id exists.
	ErrDuplicateKey = errors.New("duplicate analysis id")
	// ErrNotFound is returned for an unknown analysis id.
	ErrNotFound = errors.New("prediction not found")
	// ErrInvalidTransition is returned when a record is not in the status an update requires.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrPersistence wraps any failure of the underlying storage.
	ErrPersistence = errors.New("persistence failure")
	// ErrCycleSuperseded is returned by CommitCycle when another cycle already
	// consumed some of the records. Nothing was written.
	ErrCycleSuperseded = errors.New("cycle superseded by a concurrent cycle")
	// ErrEmptyCycle is returned by CommitCycle for a report without records.
	ErrEmptyCycle = errors.New("cycle has no records")
)
