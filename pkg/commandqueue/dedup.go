package commandqueue

import (
	"context"
	"sync"
	"time"
)

const (
	defaultDedupTTL      = 5 * time.Minute
	defaultDedupInterval = time.Minute
)

type dedupEntry struct {
	result    taskResult
	timestamp time.Time
}

// dedupCache keeps successful results by request key for a bounded time.
type dedupCache struct {
	entries  map[string]*dedupEntry
	ttl      time.Duration
	interval time.Duration
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	interval := defaultDedupInterval
	if ttl < interval {
		interval = ttl
	}

	ctx, cancel := context.WithCancel(ctx)
	cache := &dedupCache{
		entries:  make(map[string]*dedupEntry),
		ttl:      ttl,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Stop ends the cleanup goroutine and waits for it.
func (dc *dedupCache) Stop() {
	dc.cancel()
	<-dc.done
}

// Get retrieves a cached result if it exists and is not expired
func (dc *dedupCache) Get(key string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, exists := dc.entries[key]
	if !exists || time.Since(entry.timestamp) > dc.ttl {
		return taskResult{}, false
	}

	return entry.result, true
}

// Set stores a result in the cache
func (dc *dedupCache) Set(key string, result taskResult) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	dc.entries[key] = &dedupEntry{
		result:    result,
		timestamp: time.Now(),
	}
}

func (dc *dedupCache) cleanup() {
	defer close(dc.done)

	ticker := time.NewTicker(dc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case <-ticker.C:
			dc.evictExpired(time.Now())
		}
	}
}

func (dc *dedupCache) evictExpired(now time.Time) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	for key, entry := range dc.entries {
		if now.Sub(entry.timestamp) > dc.ttl {
			delete(dc.entries, key)
		}
	}
}

// Size returns the number of entries in the cache
func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.entries)
}

// Clear removes all entries from the cache
func (dc *dedupCache) Clear() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.entries = make(map[string]*dedupEntry)
}
