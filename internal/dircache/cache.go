// Package dircache implements the LRU+TTL cache of directory listings.
//
// Keys are scoped per mount and normalized per directory so that a
// mutation anywhere under a directory can invalidate the exact ancestor
// chain a lister depends on.
package dircache

import (
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cloudpaste/cloudpaste/internal/pathutil"
)

// Config tunes the cache.
type Config struct {
	MaxEntries   int           // default 300
	DefaultTTL   time.Duration // default 300s
	PrunePercent int           // oldest share evicted on overflow, default 20
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 300
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 300 * time.Second
	}
	if c.PrunePercent <= 0 || c.PrunePercent > 100 {
		c.PrunePercent = 20
	}
	return c
}

// Stats are the cache counters exposed on the admin API.
type Stats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Invalidations uint64 `json:"invalidations"`
	Size          int    `json:"size"`
}

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Cache is a mount-scoped directory listing cache.
type Cache struct {
	cfg   Config
	cache *lru.Cache[string, *entry]

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64

	// Guards prune and prefix scans against concurrent mutation.
	mu sync.Mutex
}

// New creates a cache with the given configuration.
func New(cfg Config) (*Cache, error) {
	cfg = cfg.withDefaults()
	c, err := lru.New[string, *entry](cfg.MaxEntries)
	if err != nil {
		return nil, err
	}
	return &Cache{cfg: cfg, cache: c}, nil
}

// Key builds the canonical cache key: "<mountID>:" + base64 of the
// directory path forced to a trailing slash.
func Key(mountID, dirPath string) string {
	dir := pathutil.NormalizeDir(dirPath)
	return mountID + ":" + base64.StdEncoding.EncodeToString([]byte(dir))
}

// Get returns the cached listing bytes for a directory, or nil on miss.
func (c *Cache) Get(mountID, dirPath string) []byte {
	e, ok := c.cache.Get(Key(mountID, dirPath))
	if !ok {
		c.misses.Add(1)
		return nil
	}
	if time.Now().After(e.expiresAt) {
		c.cache.Remove(Key(mountID, dirPath))
		c.misses.Add(1)
		return nil
	}
	c.hits.Add(1)
	return e.data
}

// Set stores a listing with an optional TTL override (ttl <= 0 uses the
// configured default). On overflow the oldest PrunePercent entries are
// evicted in one sweep.
func (c *Cache) Set(mountID, dirPath string, data []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	c.mu.Lock()
	if c.cache.Len() >= c.cfg.MaxEntries {
		c.prune()
	}
	c.mu.Unlock()

	c.cache.Add(Key(mountID, dirPath), &entry{
		data:      data,
		expiresAt: time.Now().Add(ttl),
	})
}

// prune evicts the oldest PrunePercent of entries. Caller holds mu.
func (c *Cache) prune() {
	n := c.cache.Len() * c.cfg.PrunePercent / 100
	if n < 1 {
		n = 1
	}
	keys := c.cache.Keys() // oldest first
	for i := 0; i < n && i < len(keys); i++ {
		c.cache.Remove(keys[i])
	}
}

// Invalidate removes the entry for one directory.
func (c *Cache) Invalidate(mountID, dirPath string) {
	if c.cache.Remove(Key(mountID, dirPath)) {
		c.invalidations.Add(1)
	}
}

// InvalidatePathAndAncestors removes the entry for the path's directory
// and every ancestor directory up to "/". A listing of /a/b/c depends on
// the chain /a/b/c, /a/b, /a, / so a mutation under any of them must
// clear the whole chain.
func (c *Cache) InvalidatePathAndAncestors(mountID, path string) {
	c.Invalidate(mountID, path)
	for _, anc := range pathutil.Ancestors(path) {
		c.Invalidate(mountID, anc)
	}
}

// InvalidateMount removes every entry belonging to a mount.
func (c *Cache) InvalidateMount(mountID string) {
	prefix := mountID + ":"

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			if c.cache.Remove(key) {
				c.invalidations.Add(1)
			}
		}
	}
}

// InvalidateAll clears the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations.Add(uint64(c.cache.Len()))
	c.cache.Purge()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
		Size:          c.cache.Len(),
	}
}
