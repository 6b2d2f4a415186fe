package permissions

import "sync"

// Cache memoizes access decisions per (user, permission). Entries never
// expire; they live until InvalidateAll.
type Cache struct {
	mu      sync.RWMutex
	gen     uint64
	entries map[string]map[string]bool
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]map[string]bool)}
}

// Get reports the cached decision and whether one exists.
func (c *Cache) Get(userID, permissionID string) (access, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	perms, found := c.entries[userID]
	if !found {
		return false, false
	}
	access, ok = perms[permissionID]
	return access, ok
}

// Set stores a decision unconditionally.
func (c *Cache) Set(userID, permissionID string, access bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(userID, permissionID, access)
}

// Generation returns the current invalidation generation. Capture it before
// resolving and store with SetIfGeneration.
func (c *Cache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// SetIfGeneration stores a decision only if no invalidation happened since
// gen was read. It reports whether the entry was stored.
func (c *Cache) SetIfGeneration(gen uint64, userID, permissionID string, access bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.setLocked(userID, permissionID, access)
	return true
}

// InvalidateAll drops every cached decision.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]map[string]bool)
	c.gen++
}

// Len returns the number of cached decisions.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, perms := range c.entries {
		n += len(perms)
	}
	return n
}

func (c *Cache) setLocked(userID, permissionID string, access bool) {
	perms, ok := c.entries[userID]
	if !ok {
		perms = make(map[string]bool)
		c.entries[userID] = perms
	}
	perms[permissionID] = access
}
