package chat

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// DefaultCacheSize is the number of chat trees a Cache keeps loaded.
const DefaultCacheSize = 1024

// Cache holds the chat trees loaded by a process. Managers that share a Cache
// see every message the others add. It is safe for concurrent use.
type Cache struct {
	mu    sync.Mutex
	trees *lru.Cache
}

// NewCache keeps up to maxEntries trees, dropping the least recently used.
// Zero means no limit.
func NewCache(maxEntries int) *Cache {
	return &Cache{trees: lru.New(maxEntries)}
}

func (c *Cache) get(id string) (*Tree, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.trees.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Tree), true
}

// add stores t unless a tree is already cached under id and returns the tree
// that ends up cached.
func (c *Cache) add(id string, t *Tree) *Tree {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.trees.Get(id); ok {
		return v.(*Tree)
	}
	c.trees.Add(id, t)
	return t
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trees.Len()
}
