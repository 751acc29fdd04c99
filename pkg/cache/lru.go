package cache

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRU is a fixed-capacity set of recently seen keys. Adding past capacity
// evicts the least recently seen key.
type LRU struct {
	mu    sync.Mutex
	items *simplelru.LRU[string, struct{}]
}

func NewLRU(capacity int) *LRU {
	if capacity <= 0 {
		capacity = 1
	}
	// only fails for a non-positive size
	items, _ := simplelru.NewLRU[string, struct{}](capacity, nil)
	return &LRU{items: items}
}

// SeenOrAdd reports whether key was already present and marks it most
// recently used either way.
func (c *LRU) SeenOrAdd(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items.Get(key); ok {
		return true
	}
	c.items.Add(key, struct{}{})
	return false
}

// Forget removes key so the next SeenOrAdd reports it as new.
func (c *LRU) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items.Remove(key)
}

func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len()
}
