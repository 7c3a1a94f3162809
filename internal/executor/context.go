package executor

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Briefing is the free, no-LLM-cost context the executor builds before
// its first agent call: the inferred target files and a fingerprint of
// the working tree at the moment the briefing was built.
type Briefing struct {
	TargetFiles []string
	CommitSha   string
	Dirty       bool
	Branch      string
}

// scoutCacheTTL is how long a cached briefing stays eligible for reuse.
const scoutCacheTTL = 30 * 24 * time.Hour

// scoutCacheMaxEntries bounds the cache at 100 entries, evicting the
// least-recently-used on overflow.
const scoutCacheMaxEntries = 100

type scoutCacheEntry struct {
	key        string
	briefing   Briefing
	cachedAt   time.Time
	lastUsedAt time.Time
}

// ScoutCache memoizes context briefings keyed on (fingerprint, goal) so an
// unchanged working tree and objective skip rebuilding the briefing.
type ScoutCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

// NewScoutCache returns an empty, ready-to-use cache.
func NewScoutCache() *ScoutCache {
	return &ScoutCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// ScoutCacheKey hashes a fingerprint and goal into the cache's lookup key.
func ScoutCacheKey(fingerprint, goal string) string {
	h := sha256.Sum256([]byte(fingerprint + "\x00" + goal))
	return hex.EncodeToString(h[:])
}

// Get returns the cached briefing for key if present and not past its TTL,
// bumping it to most-recently-used.
func (c *ScoutCache) Get(key string, now time.Time) (Briefing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return Briefing{}, false
	}
	entry := el.Value.(*scoutCacheEntry)
	if now.Sub(entry.cachedAt) > scoutCacheTTL {
		c.order.Remove(el)
		delete(c.entries, key)
		return Briefing{}, false
	}

	entry.lastUsedAt = now
	c.order.MoveToFront(el)
	return entry.briefing, true
}

// Put stores (or refreshes) a briefing under key, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *ScoutCache) Put(key string, briefing Briefing, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*scoutCacheEntry)
		entry.briefing = briefing
		entry.cachedAt = now
		entry.lastUsedAt = now
		c.order.MoveToFront(el)
		return
	}

	entry := &scoutCacheEntry{key: key, briefing: briefing, cachedAt: now, lastUsedAt: now}
	el := c.order.PushFront(entry)
	c.entries[key] = el

	for len(c.entries) > scoutCacheMaxEntries {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*scoutCacheEntry).key)
	}
}

// Len returns the number of cached entries, mostly for tests.
func (c *ScoutCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// BuildBriefing assembles a Briefing from a fingerprint already computed by
// the caller (commit sha, dirty flag, branch) plus the target-file
// inference over a candidate file list (typically `git ls-files`).
func BuildBriefing(objective string, candidates []string, commitSha string, dirty bool, branch string) Briefing {
	return Briefing{
		TargetFiles: inferTargetFiles(objective, candidates),
		CommitSha:   commitSha,
		Dirty:       dirty,
		Branch:      branch,
	}
}
