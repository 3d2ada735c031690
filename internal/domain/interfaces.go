package domain

import (
	"context"
	"image"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// ModelCatalog produces a fresh registry snapshot.
type ModelCatalog interface {
	Discover() Snapshot
}

// ModelResolver maps (item, base kind) → artifact locator.
type ModelResolver interface {
	Resolve(item string, kind ModelKind) (string, error)
}

// LoadOptions are fixed per process, never taken from a request.
type LoadOptions struct {
	Device string
	Task   string
}

// ModelLoader abstracts the inference engine: it binds a handle to an artifact.
type ModelLoader interface {
	Load(ctx context.Context, locator string, opts LoadOptions) (InferenceHandle, error)
}

// InferenceHandle is a loaded model instance.
type InferenceHandle interface {
	// Predict scores a decoded image.
	Predict(ctx context.Context, img image.Image) (Prediction, error)

	// Close releases the engine resources (including any open artifact files).
	Close() error
}

// Prediction is the engine output. Score is nil when the engine produced no
// usable anomaly score.
type Prediction struct {
	Score *float64
}

// ScoreValue returns the score, or 0 and false when absent.
func (p Prediction) ScoreValue() (float64, bool) {
	if p.Score == nil {
		return 0, false
	}
	return *p.Score, true
}
