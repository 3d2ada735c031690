// Package scoring turns an (item, model, image, threshold) request into a
// classified anomaly score.
//
// Analysis lifecycle:
//  1. Validate item and selector against a fresh registry snapshot
//  2. Decode the image
//  3. Obtain handles from the cache and predict (both kinds in parallel for hybrid)
//  4. Average, classify against the threshold, round
package scoring

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/imaging"
	"github.com/inspectd/inspectd/internal/infra/observability"
)

// HandleSource provides inference handles by (item, base kind).
type HandleSource interface {
	GetOrLoad(ctx context.Context, item string, kind domain.ModelKind) (domain.InferenceHandle, error)
}

// DecodeFunc turns raw bytes into an image, failing with domain.ErrInvalidImage.
type DecodeFunc func([]byte) (image.Image, error)

// Option configures a Service.
type Option func(*Service)

// WithDecoder replaces the image decoder.
func WithDecoder(fn DecodeFunc) Option {
	return func(s *Service) { s.decode = fn }
}

// WithTracer records analysis spans.
func WithTracer(t *observability.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithBatchConcurrency bounds parallel images in AnalyzeBatch (default 4).
func WithBatchConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.batchLimit = n
		}
	}
}

// Service is the scoring orchestrator. It holds no per-request state.
type Service struct {
	catalog    domain.ModelCatalog
	handles    HandleSource
	decode     DecodeFunc
	tracer     *observability.Tracer
	batchLimit int
	log        *logrus.Entry
}

// NewService creates a scoring service.
func NewService(catalog domain.ModelCatalog, handles HandleSource, log *logrus.Entry, opts ...Option) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		catalog:    catalog,
		handles:    handles,
		decode:     imaging.Decode,
		batchLimit: 4,
		log:        log.WithField("component", "scoring"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is a single-image analysis.
type Request struct {
	Item      string
	Model     domain.ModelKind
	Image     []byte
	Threshold float64
}

// Analyze scores one image.
//
// Errors: domain.ErrInvalidRequest for an unknown item or unavailable
// selector, domain.ErrInvalidImage for undecodable bytes, domain.ErrEngine
// (or another wrapped error) when the engine fails.
func (s *Service) Analyze(ctx context.Context, req Request) (result *domain.ScoreResult, err error) {
	start := time.Now()
	ctx, span := s.tracer.StartSpan(ctx, "analyze", map[string]string{
		"item":  req.Item,
		"model": string(req.Model),
	})
	defer func() {
		s.tracer.EndSpan(span, err)
		s.record(req.Model, result, err, time.Since(start))
	}()

	if err := s.validate(req.Item, req.Model, req.Threshold); err != nil {
		return nil, err
	}
	return s.analyzeImage(ctx, req.Item, req.Model, req.Image, req.Threshold)
}

// --- Internal helpers ---

// validate checks the threshold, then the pair against a fresh snapshot.
func (s *Service) validate(item string, model domain.ModelKind, threshold float64) error {
	if math.IsNaN(threshold) || math.IsInf(threshold, 0) {
		return fmt.Errorf("threshold %v is not finite: %w", threshold, domain.ErrInvalidRequest)
	}
	desc, ok := s.catalog.Discover()[item]
	if !ok {
		return fmt.Errorf("item %q not available: %w", item, domain.ErrInvalidRequest)
	}
	if !desc.Has(model) {
		return fmt.Errorf("model %q not available for item %q: %w", model, item, domain.ErrInvalidRequest)
	}
	return nil
}

func (s *Service) analyzeImage(ctx context.Context, item string, model domain.ModelKind, data []byte, threshold float64) (*domain.ScoreResult, error) {
	img, err := s.decode(data)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidImage) {
			err = fmt.Errorf("%v: %w", err, domain.ErrInvalidImage)
		}
		return nil, err
	}

	score, err := s.score(ctx, item, model, img)
	if err != nil {
		return nil, err
	}

	return &domain.ScoreResult{
		Item:      item,
		Model:     model,
		Label:     domain.Classify(score, threshold),
		Score:     domain.RoundScore(score),
		Threshold: threshold,
	}, nil
}

// score returns the raw (unrounded) score for a selector.
func (s *Service) score(ctx context.Context, item string, model domain.ModelKind, img image.Image) (float64, error) {
	if model != domain.KindHybrid {
		return s.predict(ctx, item, model, img)
	}

	kinds := domain.BaseKinds()
	scores := make([]float64, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		g.Go(func() error {
			v, err := s.predict(gctx, item, kind, img)
			scores[i] = v
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var sum float64
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores)), nil
}

// predict runs one base kind. A prediction without a score counts as 0.0.
func (s *Service) predict(ctx context.Context, item string, kind domain.ModelKind, img image.Image) (score float64, err error) {
	ctx, span := s.tracer.StartSpan(ctx, "predict", map[string]string{
		"item": item,
		"kind": string(kind),
	})
	defer func() { s.tracer.EndSpan(span, err) }()

	h, err := s.handles.GetOrLoad(ctx, item, kind)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidSelector) {
			return 0, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
		}
		return 0, err
	}

	start := time.Now()
	pred, err := h.Predict(ctx, img)
	observability.PredictDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("predict %s/%s: %w", item, kind, err)
	}

	v, ok := pred.ScoreValue()
	if !ok {
		observability.MissingScores.WithLabelValues(string(kind)).Inc()
		s.log.WithFields(logrus.Fields{
			"item": item,
			"kind": kind,
		}).Warn("prediction has no anomaly score, using 0.0")
	}
	return v, nil
}

func (s *Service) record(model domain.ModelKind, result *domain.ScoreResult, err error, elapsed time.Duration) {
	outcome := "error"
	switch {
	case err == nil && result != nil:
		outcome = string(result.Label)
	case errors.Is(err, domain.ErrInvalidRequest):
		outcome = "invalid_request"
	case errors.Is(err, domain.ErrInvalidImage):
		outcome = "invalid_image"
	}
	label := string(model)
	if !model.Valid() {
		label = "unknown"
	}
	observability.AnalyzeRequests.WithLabelValues(label, outcome).Inc()
	observability.AnalyzeDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}
