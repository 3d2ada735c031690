// Package registry discovers anomaly-detection model artifacts on disk.
//
// Layout:
//
//	<root>/<item>/<kind>/model.bin
//	<root>/<item>/<kind>/model.xml
//
// The filesystem is the only source of truth: every query rescans it.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/inspectd/inspectd/internal/domain"
)

// Registry implements domain.ModelCatalog and domain.ModelResolver over a
// models directory.
type Registry struct {
	root string // Root models directory (contains one directory per item)
}

// New creates a Registry rooted at root.
func New(root string) *Registry {
	return &Registry{root: root}
}

// Root returns the models directory.
func (r *Registry) Root() string { return r.root }

// ItemDir returns the directory holding an item's models.
func (r *Registry) ItemDir(item string) string {
	return filepath.Join(r.root, item)
}

// HasItem reports whether item names an existing directory under the root.
func (r *Registry) HasItem(item string) bool {
	return isItemName(item) && isDir(r.ItemDir(item))
}

// Discover scans the root and returns every item with at least one usable
// base model. A missing or unreadable root yields an empty snapshot.
func (r *Registry) Discover() domain.Snapshot {
	snap := domain.Snapshot{}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return snap
	}

	for _, e := range entries {
		itemDir := filepath.Join(r.root, e.Name())
		if !isDir(itemDir) {
			continue
		}
		if desc := scanItem(itemDir); len(desc) > 0 {
			snap[e.Name()] = desc
		}
	}
	return snap
}

// Resolve returns the artifact locator for a base kind of an item.
// The hybrid selector is rejected: it never maps to a single artifact.
func (r *Registry) Resolve(item string, kind domain.ModelKind) (string, error) {
	if kind == domain.KindHybrid {
		return "", fmt.Errorf("resolve %s/%s: composite selector: %w", item, kind, domain.ErrInvalidSelector)
	}
	if !kind.IsBase() {
		return "", fmt.Errorf("resolve %s/%s: unknown model kind: %w", item, kind, domain.ErrInvalidSelector)
	}
	if !isItemName(item) {
		return "", fmt.Errorf("item %q not available: %w", item, domain.ErrNotFound)
	}

	itemDir := r.ItemDir(item)
	if !isDir(itemDir) {
		return "", fmt.Errorf("item %q not available: %w", item, domain.ErrNotFound)
	}
	locator, ok := artifactLocator(filepath.Join(itemDir, string(kind)))
	if !ok {
		return "", fmt.Errorf("model %q not available for item %q: %w", kind, item, domain.ErrNotFound)
	}
	return locator, nil
}

// --- Internal helpers ---

// scanItem builds the descriptor for one item directory.
func scanItem(itemDir string) domain.Descriptor {
	desc := domain.Descriptor{}
	for _, kind := range domain.BaseKinds() {
		if locator, ok := artifactLocator(filepath.Join(itemDir, string(kind))); ok {
			desc[kind] = locator
		}
	}
	if len(desc) == len(domain.BaseKinds()) {
		desc[domain.KindHybrid] = domain.HybridSentinel
	}
	return desc
}

// artifactLocator returns <kindDir>/model when both model.bin and model.xml
// are regular files. Partial artifacts never count.
func artifactLocator(kindDir string) (string, bool) {
	if !isDir(kindDir) {
		return "", false
	}
	base := filepath.Join(kindDir, domain.ArtifactName)
	if !isRegular(base+domain.WeightsExt) || !isRegular(base+domain.DescriptorExt) {
		return "", false
	}
	return base, true
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// isItemName reports whether s is a single, non-traversing path element.
func isItemName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && filepath.Base(s) == s
}
