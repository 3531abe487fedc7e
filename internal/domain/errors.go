package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound         = errors.New("resource not found")
	ErrUnauthorized     = errors.New("unauthorized access")
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotParticipant   = errors.New("not a participant")
	ErrPersistence      = errors.New("persistence error")
	ErrStoreUnavailable = errors.New("presence store unavailable")
)
