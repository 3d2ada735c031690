// Package engine holds loaded inference handles.
//
// The Cache is the only long-lived state in the scoring path. Entries are
// keyed by (item, base kind), created on first use and dropped only by
// InvalidateAll.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/inspectd/inspectd/internal/domain"
	"github.com/inspectd/inspectd/internal/infra/observability"
)

// Cache lazily loads and retains inference handles.
//
// Hits take only a read lock. Concurrent misses for the same key share one
// load; misses for different keys load in parallel. InvalidateAll waits for
// every in-flight lookup and load before closing handles.
type Cache struct {
	resolver domain.ModelResolver
	loader   domain.ModelLoader
	opts     domain.LoadOptions
	log      *logrus.Entry

	// gate is held shared by every lookup and exclusively by InvalidateAll.
	gate sync.RWMutex

	mu      sync.RWMutex
	handles map[domain.CacheKey]domain.InferenceHandle

	loads singleflight.Group
}

// NewCache creates an empty cache. opts are applied to every load.
func NewCache(resolver domain.ModelResolver, loader domain.ModelLoader, opts domain.LoadOptions, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		resolver: resolver,
		loader:   loader,
		opts:     opts,
		log:      log.WithField("component", "cache"),
		handles:  make(map[domain.CacheKey]domain.InferenceHandle),
	}
}

// GetOrLoad returns the handle for (item, kind), loading it on a miss.
// kind must be a base kind; the hybrid selector fails with
// domain.ErrInvalidSelector.
func (c *Cache) GetOrLoad(ctx context.Context, item string, kind domain.ModelKind) (domain.InferenceHandle, error) {
	if !kind.IsBase() {
		return nil, fmt.Errorf("load %s/%s: %w", item, kind, domain.ErrInvalidSelector)
	}
	key := domain.CacheKey{Item: item, Kind: kind}

	c.gate.RLock()
	defer c.gate.RUnlock()

	if h, ok := c.lookup(key); ok {
		observability.CacheHits.Inc()
		return h, nil
	}

	v, err, _ := c.loads.Do(key.String(), func() (interface{}, error) {
		// A load for this key may have finished between lookup and Do.
		if h, ok := c.lookup(key); ok {
			return h, nil
		}
		return c.load(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(domain.InferenceHandle), nil
}

// InvalidateAll closes every cached handle and empties the cache. It blocks
// until in-flight loads finish and returns the joined close errors.
func (c *Cache) InvalidateAll() error {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.releaseLocked()
}

// InvalidateDuring releases every handle and runs fn before any lookup can
// load again, so model files can be replaced or deleted without a concurrent
// request reopening them. Close errors are logged; fn's error is returned.
func (c *Cache) InvalidateDuring(fn func() error) error {
	c.gate.Lock()
	defer c.gate.Unlock()
	if err := c.releaseLocked(); err != nil {
		c.log.WithError(err).Warn("release before model change")
	}
	return fn()
}

// Len returns the number of cached handles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handles)
}

// Keys returns the cached keys sorted by item then kind.
func (c *Cache) Keys() []domain.CacheKey {
	c.mu.RLock()
	keys := make([]domain.CacheKey, 0, len(c.handles))
	for k := range c.handles {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Item != keys[j].Item {
			return keys[i].Item < keys[j].Item
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys
}

// --- Internal helpers ---

// releaseLocked empties the store and closes the removed handles. The caller
// holds the gate exclusively.
func (c *Cache) releaseLocked() error {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[domain.CacheKey]domain.InferenceHandle)
	c.mu.Unlock()

	var errs []error
	for key, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}

	observability.CacheInvalidations.Inc()
	observability.CachedHandles.Set(0)
	c.log.WithField("released", len(handles)).Info("inference handles released")
	return errors.Join(errs...)
}

func (c *Cache) lookup(key domain.CacheKey) (domain.InferenceHandle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.handles[key]
	return h, ok
}

// load runs inside the singleflight group with the gate held shared.
func (c *Cache) load(ctx context.Context, key domain.CacheKey) (domain.InferenceHandle, error) {
	locator, err := c.resolver.Resolve(key.Item, key.Kind)
	if err != nil {
		observability.CacheLoads.WithLabelValues(string(key.Kind), "unresolved").Inc()
		return nil, err
	}

	// Followers share this load, so the leader's cancellation must not fail it.
	h, err := c.loader.Load(context.WithoutCancel(ctx), locator, c.opts)
	if err != nil {
		observability.CacheLoads.WithLabelValues(string(key.Kind), "error").Inc()
		return nil, fmt.Errorf("load %s from %s: %w", key, locator, err)
	}

	c.mu.Lock()
	c.handles[key] = h
	n := len(c.handles)
	c.mu.Unlock()

	observability.CacheLoads.WithLabelValues(string(key.Kind), "ok").Inc()
	observability.CachedHandles.Set(float64(n))
	c.log.WithFields(logrus.Fields{
		"key":     key.String(),
		"locator": locator,
		"device":  c.opts.Device,
	}).Info("inference handle loaded")
	return h, nil
}
