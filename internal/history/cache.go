// Package history reconstructs user-facing conversation history, resolving
// citation references back into concrete source records through a two-tier
// read path: a fast in-process snapshot cache in front of the durable message
// log.
package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evmakarov/atlas-tutor/internal/domain"
)

// SnapshotCache is the ephemeral tier: serialized conversation snapshots
// keyed by conversation, each entry replaced atomically as a whole so readers
// observe either the pre- or post-write state, never a partial write.
type SnapshotCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	data     []byte
	storedAt time.Time
}

// NewSnapshotCache creates a cache whose entries expire after ttl.
// A non-positive ttl disables expiry.
func NewSnapshotCache(ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
	}
}

// Get returns the cached snapshot bytes for a key, or nil on miss or expiry.
func (c *SnapshotCache) Get(key domain.ConversationKey) []byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key.String()]
	if !ok {
		return nil
	}
	if c.ttl > 0 && time.Since(entry.storedAt) > c.ttl {
		return nil
	}
	return entry.data
}

// Put stores snapshot bytes for a key, replacing any previous entry. The
// caller must not mutate data after handing it over.
func (c *SnapshotCache) Put(key domain.ConversationKey, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key.String()] = cacheEntry{data: data, storedAt: time.Now()}
}

// Delete removes a key's snapshot. Idempotent.
func (c *SnapshotCache) Delete(key domain.ConversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
}

// Len returns the number of live entries, counting expired ones not yet
// swept.
func (c *SnapshotCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// sweep removes expired entries and reports how many were evicted.
func (c *SnapshotCache) sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for key, entry := range c.entries {
		if entry.storedAt.Before(cutoff) {
			delete(c.entries, key)
			evicted++
		}
	}
	return evicted
}

// StartEvictionWorker periodically sweeps expired snapshots until ctx is
// cancelled.
func StartEvictionWorker(ctx context.Context, cache *SnapshotCache, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				slog.Info("Snapshot eviction worker stopped")
				return
			case <-ticker.C:
				if evicted := cache.sweep(); evicted > 0 {
					slog.Debug("Evicted expired snapshots", "count", evicted)
				}
			}
		}
	}()
}
