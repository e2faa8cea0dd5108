package rbac

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/upb/oauth-issuer/models"
)

// AllPermissions is the Permission value under which a subject's full grant set is cached
const AllPermissions = "*"

// CacheKey identifies one cached permission decision or grant set
type CacheKey struct {
	UserID     string
	TenantID   string
	AppID      string
	Permission string
}

// String returns an unambiguous representation of the key. Segments are quoted
// because user IDs and permission names may contain any separator.
func (k CacheKey) String() string {
	return fmt.Sprintf("%q|%q|%q|%q", k.TenantID, k.AppID, k.UserID, k.Permission)
}

// grantsKey returns the key holding the subject's full grant set
func (k CacheKey) grantsKey() CacheKey {
	k.Permission = AllPermissions
	return k
}

// cacheEntry represents a single cache entry with TTL
type cacheEntry struct {
	key        CacheKey
	allowed    bool
	grants     *models.EffectiveGrants
	insertedAt time.Time
	element    *list.Element // For LRU tracking
}

// PermissionCache is an in-memory LRU cache with TTL for permission decisions.
// Entries under a specific permission hold a boolean; entries under AllPermissions
// hold the subject's grant set.
// Thread-safe implementation using sync.Mutex
type PermissionCache struct {
	mu      sync.Mutex
	entries map[CacheKey]*cacheEntry
	lruList *list.List    // Doubly linked list for LRU tracking
	maxSize int           // Maximum number of entries
	ttl     time.Duration // Time-to-live for entries
	hits    uint64        // Cache hit counter
	misses  uint64        // Cache miss counter
	now     func() time.Time
}

// NewPermissionCache creates a new PermissionCache with specified max size and TTL
func NewPermissionCache(maxSize int, ttl time.Duration) *PermissionCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &PermissionCache{
		entries: make(map[CacheKey]*cacheEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for TTL checks
func (c *PermissionCache) WithClock(now func() time.Time) *PermissionCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// GetDecision returns the cached decision for key and whether one was present
func (c *PermissionCache) GetDecision(key CacheKey) (allowed bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.lookup(key)
	if entry == nil {
		return false, false
	}
	return entry.allowed, true
}

// SetDecision stores a decision, overwriting any previous value
func (c *PermissionCache) SetDecision(key CacheKey, allowed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(key, allowed, nil)
}

// GetGrants returns the cached grant set of the key's subject, or nil
func (c *PermissionCache) GetGrants(key CacheKey) *models.EffectiveGrants {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.lookup(key.grantsKey())
	if entry == nil {
		return nil
	}
	return entry.grants
}

// SetGrants stores the subject's grant set
func (c *PermissionCache) SetGrants(key CacheKey, grants *models.EffectiveGrants) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store(key.grantsKey(), false, grants)
}

// lookup must be called with lock held
func (c *PermissionCache) lookup(key CacheKey) *cacheEntry {
	entry, exists := c.entries[key]

	// Check if entry exists and is not expired
	if !exists || c.expired(entry) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return nil
	}

	// Move to front (most recently used)
	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry
}

// store must be called with lock held
func (c *PermissionCache) store(key CacheKey, allowed bool, grants *models.EffectiveGrants) {
	if entry, exists := c.entries[key]; exists {
		entry.allowed = allowed
		entry.grants = grants
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	// Evict least recently used entry if cache is full
	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &cacheEntry{
		key:        key,
		allowed:    allowed,
		grants:     grants,
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

func (c *PermissionCache) expired(e *cacheEntry) bool {
	return c.now().Sub(e.insertedAt) > c.ttl
}

// InvalidateUser removes every entry of a user in a tenant, across apps
func (c *PermissionCache) InvalidateUser(tenantID, userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if key.TenantID == tenantID && key.UserID == userID {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// InvalidateTenant removes all cache entries for a tenant
func (c *PermissionCache) InvalidateTenant(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		if key.TenantID == tenantID {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Stats returns cache statistics
func (c *PermissionCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// removeEntry removes an entry from the cache (must be called with lock held)
func (c *PermissionCache) removeEntry(key CacheKey) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (c *PermissionCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	key := back.Value.(CacheKey)
	c.lruList.Remove(back)
	delete(c.entries, key)
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *PermissionCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.expired(entry) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh is closed
func (c *PermissionCache) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}
