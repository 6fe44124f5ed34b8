package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"telecare-backend/pkg/logger"
)

// MemoryCache is an in-process TTL cache. Entries past their expiry are
// never returned; they are dropped lazily on access or by StartCleanup.
type MemoryCache[V any] struct {
	mu      sync.RWMutex
	data    map[string]*cacheEntry[V]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
	createdAt time.Time
}

// NewMemoryCache creates a new in-memory cache. maxSize <= 0 means unbounded.
func NewMemoryCache[V any](defaultTTL time.Duration, maxSize int) *MemoryCache[V] {
	return &MemoryCache[V]{
		data:    make(map[string]*cacheEntry[V]),
		ttl:     defaultTTL,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Set stores a value with ttl, or the default TTL when ttl is zero
func (mc *MemoryCache[V]) Set(key string, value V, ttl time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if ttl == 0 {
		ttl = mc.ttl
	}

	if _, exists := mc.data[key]; !exists && mc.maxSize > 0 && len(mc.data) >= mc.maxSize {
		mc.evictOldest()
	}

	now := mc.now()
	mc.data[key] = &cacheEntry[V]{
		value:     value,
		expiresAt: now.Add(ttl),
		createdAt: now,
	}

	logger.Debug("Cache entry added",
		zap.String("key", key),
		zap.Duration("ttl", ttl),
		zap.Int("size", len(mc.data)),
	)
}

// SetUntil stores a value that expires at an absolute time
func (mc *MemoryCache[V]) SetUntil(key string, value V, expiresAt time.Time) {
	ttl := expiresAt.Sub(mc.now())
	if ttl <= 0 {
		mc.Delete(key)
		return
	}
	mc.Set(key, value, ttl)
}

// Get retrieves a live value
func (mc *MemoryCache[V]) Get(key string) (V, bool) {
	var zero V

	mc.mu.RLock()
	entry, exists := mc.data[key]
	mc.mu.RUnlock()
	if !exists {
		return zero, false
	}

	if mc.now().After(entry.expiresAt) {
		mc.mu.Lock()
		// Another writer may have replaced it in between.
		if cur, ok := mc.data[key]; ok && cur == entry {
			delete(mc.data, key)
		}
		mc.mu.Unlock()
		return zero, false
	}

	return entry.value, true
}

// Delete removes a value from the cache
func (mc *MemoryCache[V]) Delete(key string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.data, key)
	logger.Debug("Cache entry deleted", zap.String("key", key))
}

// Clear removes all entries from the cache
func (mc *MemoryCache[V]) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.data = make(map[string]*cacheEntry[V])
}

// Size returns the current number of entries, expired ones included
func (mc *MemoryCache[V]) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return len(mc.data)
}

// evictOldest removes the oldest entry. Caller holds mu.
func (mc *MemoryCache[V]) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range mc.data {
		if oldestKey == "" || entry.createdAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.createdAt
		}
	}

	if oldestKey != "" {
		delete(mc.data, oldestKey)
		logger.Debug("Cache entry evicted",
			zap.String("key", oldestKey),
			zap.Time("created_at", oldestTime),
		)
	}
}

func (mc *MemoryCache[V]) cleanupExpired() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	expiredCount := 0

	for key, entry := range mc.data {
		if now.After(entry.expiresAt) {
			delete(mc.data, key)
			expiredCount++
		}
	}

	if expiredCount > 0 {
		logger.Debug("Expired cache entries cleaned up",
			zap.Int("count", expiredCount),
			zap.Int("remaining", len(mc.data)),
		)
	}
}

// StartCleanup starts a goroutine to clean up expired entries.
// Returns a stop function that cancels it.
func (mc *MemoryCache[V]) StartCleanup(interval time.Duration) func() {
	stop := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				mc.cleanupExpired()
			case <-stop:
				return
			}
		}
	}()
	return func() { once.Do(func() { close(stop) }) }
}
