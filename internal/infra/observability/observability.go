// Package observability provides request tracing and Prometheus metrics for
// the scoring path.
//
// This provides:
//   - Trace spans for each analysis (validate → decode → predict → classify)
//   - Request-ID correlation through context
//   - Prometheus metrics for analyses, predictions and the handle cache
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Trace Spans: in-memory ring of recent spans, exported over /debug/spans
// ═══════════════════════════════════════════════════════════════════════════

// Span represents a unit of work within a request trace.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

// Tracer keeps the most recent spans in memory. A nil *Tracer is valid and
// records nothing.
type Tracer struct {
	mu       sync.Mutex
	spans    []Span
	maxSpans int
	enabled  bool
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring buffer size (default 1_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1_000,
	}
}

// NewTracer creates a new tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		spans:    make([]Span, 0, cfg.MaxSpans),
		maxSpans: cfg.MaxSpans,
		enabled:  cfg.Enabled,
	}
}

// StartSpan begins a span and returns a context carrying it as the parent
// of spans started from that context.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) (context.Context, *Span) {
	if t == nil || !t.enabled {
		return ctx, &Span{Operation: operation}
	}

	span := &Span{
		TraceID:   TraceID(ctx),
		SpanID:    uuid.NewString(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: time.Now(),
		Status:    SpanOK,
		Attrs:     attrs,
	}
	if span.TraceID == "" {
		span.TraceID = span.SpanID
		ctx = WithTraceID(ctx, span.TraceID)
	}
	return context.WithValue(ctx, spanIDKey, span.SpanID), span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}

	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()

	// Ring buffer: overwrite oldest if at capacity
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[1:]
	}
	t.spans = append(t.spans, *span)
}

// Spans returns a copy of the most recent spans.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if limit <= 0 || limit > len(t.spans) {
		limit = len(t.spans)
	}

	start := len(t.spans) - limit
	out := make([]Span, limit)
	copy(out, t.spans[start:])
	return out
}

// SpanCount returns the number of recorded spans.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.spans)
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "inspectd-trace-id"
	spanIDKey  contextKey = "inspectd-span-id"
)

// WithTraceID returns a context with the given trace ID (usually the HTTP
// request ID).
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID returns the trace ID carried by ctx, or "".
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

func spanIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(spanIDKey).(string); ok {
		return v
	}
	return ""
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Analysis Metrics ───────────────────────────────────────────────────────

// AnalyzeRequests counts finished analyses by selector and outcome.
// outcome is the label (NORMAL/ANOMALY) or an error class.
var AnalyzeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "analyze",
	Name:      "requests_total",
	Help:      "Total image analyses by model selector and outcome.",
}, []string{"model", "outcome"})

// AnalyzeDuration tracks end-to-end analysis latency.
var AnalyzeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "inspectd",
	Subsystem: "analyze",
	Name:      "duration_seconds",
	Help:      "End-to-end analysis latency in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"model"})

// PredictDuration tracks engine prediction latency per base kind.
var PredictDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "inspectd",
	Subsystem: "inference",
	Name:      "predict_duration_seconds",
	Help:      "Inference engine prediction latency in seconds.",
	Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
}, []string{"kind"})

// MissingScores counts predictions that carried no anomaly score.
var MissingScores = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "inference",
	Name:      "missing_scores_total",
	Help:      "Predictions without a usable score, counted as 0.0.",
}, []string{"kind"})

// ─── Cache Metrics ──────────────────────────────────────────────────────────

// CacheHits counts handle lookups served from the cache.
var CacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "cache",
	Name:      "hits_total",
	Help:      "Inference handle lookups served from the cache.",
})

// CacheLoads counts handle loads by kind and result.
var CacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "cache",
	Name:      "loads_total",
	Help:      "Inference handle loads by model kind and result.",
}, []string{"kind", "result"})

// CachedHandles tracks the number of loaded handles.
var CachedHandles = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "inspectd",
	Subsystem: "cache",
	Name:      "handles",
	Help:      "Number of inference handles currently held.",
})

// CacheInvalidations counts full cache invalidations.
var CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "cache",
	Name:      "invalidations_total",
	Help:      "Full cache invalidations.",
})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded tracks total spans recorded.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors tracks error spans.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "inspectd",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})
