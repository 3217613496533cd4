package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vilaca/mlsync/internal/domain"
)

// CachingClient wraps a Gateway and memoizes pipeline runs that reached a
// terminal status. Terminal runs never change, so a hit can never be stale.
// Everything else, including merge requests and comparisons, always reaches
// the provider.
type CachingClient struct {
	Gateway
	cache  *cache
	logger *zap.Logger
}

// NewCachingClient creates a new caching client wrapper.
// Entries are evicted after ttl to bound memory; Close stops the janitor.
func NewCachingClient(gateway Gateway, ttl time.Duration, logger *zap.Logger) *CachingClient {
	return &CachingClient{
		Gateway: gateway,
		cache:   newCache(ttl),
		logger:  logger,
	}
}

// FetchPipelineRun serves terminal runs from cache.
func (c *CachingClient) FetchPipelineRun(ctx context.Context, projectID, runID string) (*domain.PipelineRun, error) {
	key := fmt.Sprintf("FetchPipelineRun:%s:%s", projectID, runID)

	if cached, found := c.cache.get(key); found {
		if run, ok := cached.(domain.PipelineRun); ok {
			c.logger.Debug("cache hit", zap.String("key", key))
			return &run, nil
		}
	}

	run, err := c.Gateway.FetchPipelineRun(ctx, projectID, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.IsTerminal() {
		c.cache.set(key, *run)
	}

	return run, nil
}

// ListPipelineRuns passes through and remembers the terminal runs it saw.
func (c *CachingClient) ListPipelineRuns(ctx context.Context, projectID string) ([]domain.PipelineRun, error) {
	runs, err := c.Gateway.ListPipelineRuns(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, run := range runs {
		if run.Status.IsTerminal() {
			c.cache.set(fmt.Sprintf("FetchPipelineRun:%s:%s", projectID, run.ID), run)
		}
	}

	return runs, nil
}

// Close stops the background eviction loop.
func (c *CachingClient) Close() {
	c.cache.close()
}

// cache implements a thread-safe TTL cache.
type cache struct {
	mu       sync.RWMutex
	entries  map[string]*cacheEntry
	duration time.Duration
	stop     chan struct{}
	once     sync.Once
}

// cacheEntry holds a cached value with expiry time.
type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// newCache creates a new cache with the specified duration.
func newCache(duration time.Duration) *cache {
	c := &cache{
		entries:  make(map[string]*cacheEntry),
		duration: duration,
		stop:     make(chan struct{}),
	}

	go c.cleanup(time.Minute)

	return c
}

// get retrieves a value from cache.
func (c *cache) get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}

	if time.Now().After(entry.expiresAt) {
		return nil, false
	}

	return entry.value, true
}

// set stores a value in cache with TTL.
func (c *cache) set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.duration),
	}
}

// cleanup periodically removes expired entries.
func (c *cache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

func (c *cache) close() {
	c.once.Do(func() { close(c.stop) })
}
