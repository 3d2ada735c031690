package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inspectd/inspectd/internal/api"
	"github.com/inspectd/inspectd/internal/app/scoring"
	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/engine"
	"github.com/inspectd/inspectd/internal/infra/imaging"
	"github.com/inspectd/inspectd/internal/infra/inference"
	"github.com/inspectd/inspectd/internal/infra/observability"
	"github.com/inspectd/inspectd/internal/infra/registry"
)

// Daemon owns every long-lived component of a running server.
type Daemon struct {
	Config   Config
	Log      *logrus.Logger
	Registry *registry.Registry
	Cache    *engine.Cache
	Scoring  *scoring.Service
	Tracer   *observability.Tracer
}

// NewLogger builds a logrus logger from the log section.
func NewLogger(cfg LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if lvl, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(lvl)
	}
	if strings.EqualFold(cfg.Format, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

// New wires the registry, engine client, handle cache and scoring service.
func New(cfg Config, log *logrus.Logger) *Daemon {
	entry := logrus.NewEntry(log)

	reg := registry.New(cfg.Models.Root)
	client := inference.NewClient(cfg.Inference.Endpoint, parseDuration(cfg.Inference.Timeout, time.Minute), entry)
	cache := engine.NewCache(reg, client, domain.LoadOptions{
		Device: cfg.Inference.Device,
		Task:   cfg.Inference.Task,
	}, entry)

	var tracer *observability.Tracer
	if cfg.Telemetry.Traces {
		tracer = observability.NewTracer(observability.DefaultTracerConfig())
	}

	svc := scoring.NewService(reg, cache, entry,
		scoring.WithTracer(tracer),
		scoring.WithDecoder(imaging.NewDecoder(cfg.Analyze.MaxPixels).Decode),
		scoring.WithBatchConcurrency(cfg.Analyze.BatchConcurrency),
	)

	return &Daemon{
		Config:   cfg,
		Log:      log,
		Registry: reg,
		Cache:    cache,
		Scoring:  svc,
		Tracer:   tracer,
	}
}

// Handler builds the HTTP API for this daemon.
func (d *Daemon) Handler() http.Handler {
	srv := api.NewServer(d.Scoring, d.Registry, d.Cache, logrus.NewEntry(d.Log))
	srv.SetDefaultThreshold(d.Config.Analyze.DefaultThreshold)
	srv.SetMaxUpload(parseSize(d.Config.API.MaxUpload))
	srv.SetRequestTimeout(parseDuration(d.Config.API.RequestTimeout, 5*time.Minute))
	if d.Config.Telemetry.Metrics {
		srv.EnableMetrics()
	}
	if d.Tracer != nil {
		srv.SetTracer(d.Tracer)
	}
	return srv.Handler()
}

// Serve listens until ctx is cancelled, then drains requests and releases
// every inference handle.
func (d *Daemon) Serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.Log.WithFields(logrus.Fields{
			"addr":   httpSrv.Addr,
			"models": d.Config.Models.Root,
			"engine": d.Config.Inference.Endpoint,
		}).Info("inspectd listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	if cerr := d.Cache.InvalidateAll(); cerr != nil {
		d.Log.WithError(cerr).Warn("release inference handles")
	}
	d.Log.Info("inspectd stopped")
	return err
}
