package identity

import "errors"

// Sentinel error kinds (stable for errors.Is and for mapping to frame codes and HTTP status codes).
var (
	ErrInvalidInput    = errors.New("invalid_input")
	ErrNotFound        = errors.New("not_found")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrConflict        = errors.New("conflict")

	// ErrDelivery marks a single subscriber that could not take a frame.
	// It is absorbed by the broadcast layer and never reaches a publisher.
	ErrDelivery = errors.New("delivery_failure")
)
