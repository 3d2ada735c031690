package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure; no infrastructure dependency.

var (
	// Request errors (client-facing)
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidImage   = errors.New("invalid image file")

	// Registry errors
	ErrNotFound        = errors.New("model not found")
	ErrInvalidSelector = errors.New("selector cannot be resolved to a single model")

	// Inference errors
	ErrEngine = errors.New("inference engine failure")
)
