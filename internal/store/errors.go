package store

import "errors"

var (
	// ErrUnknownChannel is returned for channels that do not exist or are inactive.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrRateLimited is transient: the channel exceeded its events-per-minute budget.
	ErrRateLimited     = errors.New("rate limited")
	ErrMessageNotFound = errors.New("message not found")
	// ErrInvalidTransition is returned when a message is not in the state an
	// operation requires (e.g. completing a message that is not processing).
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrRetriesExhausted marks a message that was moved to dead_letter.
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrJobNotFound      = errors.New("job not found")
)
