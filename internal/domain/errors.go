package domain

import "errors"

var (
	// ErrInvalidInput marks caller-supplied data that cannot be processed
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound marks a missing portfolio or record
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized marks a failed identity check
	ErrUnauthorized = errors.New("unauthorized")
	// ErrQuoteUnavailable marks a quote that could not be fetched
	ErrQuoteUnavailable = errors.New("quote unavailable")
)
