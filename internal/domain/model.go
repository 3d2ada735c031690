// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture and depends on nothing.
package domain

import (
	"fmt"
	"math"
	"sort"
)

// ─── Model Kinds ────────────────────────────────────────────────────────────

// ModelKind selects a model for an item. It is either one of the base kinds
// or the composite (hybrid) selector.
type ModelKind string

const (
	KindPadim     ModelKind = "padim"
	KindPatchcore ModelKind = "patchcore"

	// KindHybrid is the virtual selector that averages every base kind.
	KindHybrid ModelKind = "hybrid"
)

// HybridSentinel is the locator recorded for KindHybrid. It is not a path.
const HybridSentinel = "hybrid"

// Artifact file layout inside <root>/<item>/<kind>/.
const (
	ArtifactName  = "model"
	WeightsExt    = ".bin"
	DescriptorExt = ".xml"
)

// BaseKinds returns the fixed set of individually loadable model kinds,
// in scan order.
func BaseKinds() []ModelKind {
	return []ModelKind{KindPadim, KindPatchcore}
}

// IsBase reports whether k is one of the base kinds.
func (k ModelKind) IsBase() bool {
	for _, b := range BaseKinds() {
		if k == b {
			return true
		}
	}
	return false
}

// Valid reports whether k is a base kind or the hybrid selector.
func (k ModelKind) Valid() bool {
	return k == KindHybrid || k.IsBase()
}

// ─── Registry Snapshot ──────────────────────────────────────────────────────

// Descriptor maps the selectors available for one item to their artifact
// locator (path prefix without extension), or HybridSentinel.
type Descriptor map[ModelKind]string

// Has reports whether the selector is available.
func (d Descriptor) Has(k ModelKind) bool {
	_, ok := d[k]
	return ok
}

// Selectors returns the available selectors sorted by name.
func (d Descriptor) Selectors() []ModelKind {
	out := make([]ModelKind, 0, len(d))
	for k := range d {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot maps item name → descriptor. It is rebuilt on every scan.
type Snapshot map[string]Descriptor

// Items returns the item names sorted.
func (s Snapshot) Items() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// ─── Inference Cache Keys ───────────────────────────────────────────────────

// CacheKey identifies a loaded inference handle. Kind is always a base kind.
type CacheKey struct {
	Item string
	Kind ModelKind
}

// String formats the key as item/kind.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s/%s", k.Item, k.Kind)
}

// ─── Scoring ────────────────────────────────────────────────────────────────

// Label is the binary classification of an image.
type Label string

const (
	LabelNormal  Label = "NORMAL"
	LabelAnomaly Label = "ANOMALY"
)

// DefaultThreshold applies when a caller supplies none.
const DefaultThreshold = 0.7

// Classify labels a score. Only a score strictly above threshold is an anomaly.
func Classify(score, threshold float64) Label {
	if score > threshold {
		return LabelAnomaly
	}
	return LabelNormal
}

// RoundScore rounds to 3 decimal places.
func RoundScore(score float64) float64 {
	return math.Round(score*1000) / 1000
}

// ScoreResult is the outcome of analyzing one image.
type ScoreResult struct {
	Item      string    `json:"item"`
	Model     ModelKind `json:"model"`
	Label     Label     `json:"label"`
	Score     float64   `json:"score"`
	Threshold float64   `json:"threshold"`
}
