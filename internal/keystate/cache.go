package keystate

import (
	"sync"
	"time"
)

type cacheEntry struct {
	res     Resolved
	expires time.Time
}

// statusCache memoizes resolutions by requested name with a secondary index
// from real key to every name resolved through it, so invalidating a key also
// drops its alias entries. Every invalidation bumps epoch; a load that began
// under an older epoch is not stored.
type statusCache struct {
	mu     sync.RWMutex
	ttl    time.Duration
	byName map[string]cacheEntry
	byKey  map[string]map[string]struct{}
	epoch  uint64
}

func newStatusCache(ttl time.Duration) *statusCache {
	return &statusCache{
		ttl:    ttl,
		byName: make(map[string]cacheEntry),
		byKey:  make(map[string]map[string]struct{}),
	}
}

func (c *statusCache) get(name string, now time.Time) (Resolved, bool) {
	c.mu.RLock()
	e, ok := c.byName[name]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expires) {
		return Resolved{}, false
	}
	return e.res, true
}

func (c *statusCache) currentEpoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

func (c *statusCache) put(res Resolved, now time.Time, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false
	}
	c.byName[res.Name] = cacheEntry{res: res, expires: now.Add(c.ttl)}
	names := c.byKey[res.Key.Name]
	if names == nil {
		names = make(map[string]struct{})
		c.byKey[res.Key.Name] = names
	}
	names[res.Name] = struct{}{}
	return true
}

func (c *statusCache) invalidateKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for name := range c.byKey[key] {
		delete(c.byName, name)
	}
	delete(c.byKey, key)
	c.dropNameLocked(key)
}

func (c *statusCache) invalidateName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.dropNameLocked(name)
}

func (c *statusCache) dropNameLocked(name string) {
	e, ok := c.byName[name]
	if !ok {
		return
	}
	delete(c.byName, name)
	if names := c.byKey[e.res.Key.Name]; names != nil {
		delete(names, name)
		if len(names) == 0 {
			delete(c.byKey, e.res.Key.Name)
		}
	}
}

// prune drops expired entries and returns how many were removed.
func (c *statusCache) prune(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for name, e := range c.byName {
		if now.Before(e.expires) {
			continue
		}
		c.dropNameLocked(name)
		removed++
	}
	return removed
}

func (c *statusCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byName)
}
