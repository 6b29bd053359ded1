package series

import "errors"

// Sentinel errors for the indicator engine.
var (
	// Cache errors
	ErrDuplicateKey = errors.New("duplicate timestamp")
	ErrOutOfOrder   = errors.New("timestamp is not after cache tail")
	ErrNotFound     = errors.New("timestamp not found")

	// Input errors
	ErrInvalidItem = errors.New("invalid item")
	ErrInvalidData = errors.New("invalid market data")

	// Wiring and state errors
	ErrOutOfRange    = errors.New("position out of range")
	ErrFaulted       = errors.New("hub is faulted")
	ErrOverflow      = errors.New("too many repeated arrivals")
	ErrNotSubscribed = errors.New("hub is not subscribed")

	// Validation errors
	ErrInvalidParameter = errors.New("invalid indicator parameter")
	ErrInvalidConfig    = errors.New("invalid configuration")
)
