package service

import (
	"errors"

	repository "github.com/okian/feedbackloop/internal/adapters/repository"
)

// Orchestrator errors.
var (
	ErrInsufficientData = errors.New("insufficient data for a learning cycle")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotStarted       = errors.New("service not started")
)

// Store errors surfaced unchanged to callers of the service.
var (
	ErrDuplicateKey      = repository.ErrDuplicateKey
	ErrNotFound          = repository.ErrNotFound
	ErrInvalidTransition = repository.ErrInvalidTransition
	ErrPersistence       = repository.ErrPersistence
	ErrCycleSuperseded   = repository.ErrCycleSuperseded
)
