package core

import (
	"go.nexum.io/notifier/errors"
)

// Closed set of domain failures surfaced to the HTTP layer. Broker
// failures never appear here; the broker client retries them internally.
var (
	// ErrValidation marks a request rejected by input validation.
	ErrValidation = errors.New("validation failed")

	// ErrTooLarge marks a notification whose content exceeds the
	// configured maximum.
	ErrTooLarge = errors.New("notification content too large")

	// ErrAlreadySaved marks a duplicate (producer, producer notification
	// id) pair.
	ErrAlreadySaved = errors.New("notification already saved")

	// ErrNotExist marks an operation on a notification that does not
	// exist or is not visible to the caller.
	ErrNotExist = errors.New("notification does not exist")
)

// Repository-level failures, mapped to domain errors by the service.
var (
	// errNoDocumentUpdated signals that a guarded update matched no
	// document.
	errNoDocumentUpdated = errors.New("no document updated")

	// errInsertUniqueViolation signals a unique-index conflict on insert.
	errInsertUniqueViolation = errors.New("insert unique violation")
)
