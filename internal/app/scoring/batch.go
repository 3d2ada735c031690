package scoring

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/inspectd/inspectd/internal/domain"
)

// BatchImage is one named image of a batch.
type BatchImage struct {
	Name string
	Data []byte
}

// BatchRequest scores several images against one (item, model) pair.
type BatchRequest struct {
	Item      string
	Model     domain.ModelKind
	Images    []BatchImage
	Threshold float64
}

// BatchEntry is the per-image outcome. Exactly one of Score or Error is set.
type BatchEntry struct {
	File  string       `json:"file"`
	Label domain.Label `json:"label,omitempty"`
	Score *float64     `json:"score,omitempty"`
	Error string       `json:"error,omitempty"`
}

// AnalyzeBatch validates the pair once, then scores images concurrently.
// Per-image failures are reported in the entry; only validation errors fail
// the whole batch. Entries keep the input order.
func (s *Service) AnalyzeBatch(ctx context.Context, req BatchRequest) ([]BatchEntry, error) {
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("batch has no images: %w", domain.ErrInvalidRequest)
	}
	if err := s.validate(req.Item, req.Model, req.Threshold); err != nil {
		return nil, err
	}

	entries := make([]BatchEntry, len(req.Images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)
	for i, img := range req.Images {
		g.Go(func() error {
			start := time.Now()
			res, err := s.analyzeImage(gctx, req.Item, req.Model, img.Data, req.Threshold)
			s.record(req.Model, res, err, time.Since(start))

			entries[i].File = img.Name
			if err != nil {
				entries[i].Error = err.Error()
				return nil
			}
			score := res.Score
			entries[i].Label = res.Label
			entries[i].Score = &score
			return nil
		})
	}
	_ = g.Wait()
	return entries, nil
}
