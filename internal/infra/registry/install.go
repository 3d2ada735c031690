package registry

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/inspectd/inspectd/internal/domain"
)

// Artifact is an uploaded weight + descriptor pair for one base kind.
type Artifact struct {
	Weights    io.Reader
	Descriptor io.Reader
}

// ValidateItemName rejects names that are not a single visible path element.
func ValidateItemName(item string) error {
	if !isItemName(item) || strings.HasPrefix(item, ".") {
		return fmt.Errorf("item name %q must be a single path element: %w", item, domain.ErrInvalidRequest)
	}
	return nil
}

// Install writes artifacts for an item, replacing any existing artifacts of
// the same kinds. Each kind is staged in a temporary sibling directory and
// renamed into place, so Discover never sees a half-written kind.
//
// Callers must release cached handles for the item first; some engines keep
// artifact files open.
func (r *Registry) Install(item string, artifacts map[domain.ModelKind]Artifact) (domain.Descriptor, error) {
	if err := ValidateItemName(item); err != nil {
		return nil, err
	}
	if len(artifacts) == 0 {
		return nil, fmt.Errorf("install %s: no model artifacts supplied: %w", item, domain.ErrInvalidRequest)
	}
	for kind, a := range artifacts {
		if !kind.IsBase() {
			return nil, fmt.Errorf("install %s: model kind %q cannot be installed: %w", item, kind, domain.ErrInvalidRequest)
		}
		if a.Weights == nil || a.Descriptor == nil {
			return nil, fmt.Errorf("install %s/%s: both %s%s and %s%s are required: %w",
				item, kind,
				domain.ArtifactName, domain.WeightsExt,
				domain.ArtifactName, domain.DescriptorExt,
				domain.ErrInvalidRequest)
		}
	}

	itemDir := r.ItemDir(item)
	if err := os.MkdirAll(itemDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", itemDir, err)
	}

	for _, kind := range domain.BaseKinds() {
		a, ok := artifacts[kind]
		if !ok {
			continue
		}
		if err := installKind(itemDir, kind, a); err != nil {
			return nil, err
		}
	}
	return scanItem(itemDir), nil
}

// Remove deletes every artifact of an item.
func (r *Registry) Remove(item string) error {
	if err := ValidateItemName(item); err != nil {
		return err
	}
	itemDir := r.ItemDir(item)
	if _, err := os.Stat(itemDir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("item %q not available: %w", item, domain.ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", itemDir, err)
	}
	if err := os.RemoveAll(itemDir); err != nil {
		return fmt.Errorf("remove %s: %w", itemDir, err)
	}
	return nil
}

// --- Internal helpers ---

func installKind(itemDir string, kind domain.ModelKind, a Artifact) (err error) {
	staging := filepath.Join(itemDir, ".staging-"+uuid.NewString())
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()

	base := filepath.Join(staging, domain.ArtifactName)
	if err := writeFile(base+domain.WeightsExt, a.Weights); err != nil {
		return err
	}
	if err := writeFile(base+domain.DescriptorExt, a.Descriptor); err != nil {
		return err
	}

	kindDir := filepath.Join(itemDir, string(kind))
	if err := os.RemoveAll(kindDir); err != nil {
		return fmt.Errorf("replace %s: %w", kindDir, err)
	}
	if err := os.Rename(staging, kindDir); err != nil {
		return fmt.Errorf("move %s into place: %w", kind, err)
	}
	return nil
}

func writeFile(path string, src io.Reader) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
