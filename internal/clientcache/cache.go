// Package clientcache keeps recently seen guest metadata in memory so the
// pipeline can skip gateway lookups and redundant context injections.
package clientcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
)

// Entry is one cached guest profile plus bookkeeping for the two staleness
// predicates: TTL freshness (is the profile itself old?) and context hash
// (has the profile changed since the assistant last saw it?).
type Entry struct {
	PhoneNumber      string
	Name             string
	UserName         string
	Labels           []string
	ChatID           string
	ThreadID         string
	ThreadTokenCount int
	CachedAt         time.Time
	NeedsSync        bool
	ContextSent      bool
	LastContextHash  string
}

// Cache is a bounded LRU of guest entries with per-entry TTL expiry.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.LRU[string, *Entry]
	ttl    time.Duration
	logger *logging.Logger

	hits   uint64
	misses uint64
}

// New creates a cache holding at most maxEntries guests, each expiring ttl
// after its last Set.
func New(maxEntries int, ttl time.Duration, logger *logging.Logger) *Cache {
	return &Cache{
		lru:    lru.NewLRU[string, *Entry](maxEntries, nil, ttl),
		ttl:    ttl,
		logger: logger.Sub("clientcache"),
	}
}

// Get returns the cached entry for a user, or nil if absent or expired.
func (c *Cache) Get(userID string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(domain.ShortUserID(userID))
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	return e
}

// Set stores an entry under the user's phone number, refreshing its TTL.
func (c *Cache) Set(e *Entry) {
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(domain.ShortUserID(e.PhoneNumber), e)
}

// Invalidate drops the entry for a user.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(domain.ShortUserID(userID))
}

// MarkForSync flags the entry as out of sync with what the assistant thread
// has seen; NeedsUpdate treats flagged entries as stale so the next turn
// reconciles them.
func (c *Cache) MarkForSync(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(domain.ShortUserID(userID)); ok {
		e.NeedsSync = true
	}
}

// UpdateTokenCount records the latest thread token usage for a user.
func (c *Cache) UpdateTokenCount(userID string, tokens int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(domain.ShortUserID(userID)); ok {
		e.ThreadTokenCount = tokens
	}
}

// NeedsUpdate decides whether the cached entry is stale relative to what the
// webhook just told us. A fresh webhook name wins over a cached placeholder,
// a changed label set invalidates, and entries past TTL refresh regardless.
func (c *Cache) NeedsUpdate(userID, webhookName string, labels []string) bool {
	e := c.Get(userID)
	if e == nil {
		return true
	}
	if e.NeedsSync {
		return true
	}
	if time.Since(e.CachedAt) > c.ttl {
		return true
	}
	// the webhook carries one live name; it may match either the stored
	// contact name or the display name, and only a miss on both is stale
	if name := domain.CleanContactName(webhookName, userID); name != "" && name != e.Name && name != e.UserName {
		return true
	}
	if labels != nil && !sameLabelSet(labels, e.Labels) {
		return true
	}
	return false
}

// ContextChanged reports whether the guest context the assistant would see
// differs from what was last sent, and returns the new hash. The caller
// records the hash via MarkContextSent after a successful injection.
func (c *Cache) ContextChanged(userID string) (bool, string) {
	e := c.Get(userID)
	if e == nil {
		return true, ""
	}
	h := ContextHash(e.Name, e.UserName, e.Labels)
	return !e.ContextSent || h != e.LastContextHash, h
}

// MarkContextSent records that guest context with the given hash reached the
// assistant thread.
func (c *Cache) MarkContextSent(userID, hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lru.Get(domain.ShortUserID(userID)); ok {
		e.ContextSent = true
		e.LastContextHash = hash
		e.NeedsSync = false
	}
}

// Stats returns hit/miss counters and the current entry count.
func (c *Cache) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.lru.Len()
}

// ContextHash fingerprints the guest context fields that get injected into
// the assistant thread. Label order never affects the hash.
func ContextHash(name, userName string, labels []string) string {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	payload := name + "|" + userName + "|" + strings.Join(sorted, ",")
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

func sameLabelSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
