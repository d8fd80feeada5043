package expr

import "sync"

// Cache memoizes parsed expressions by source text. Schemas reuse the same
// handful of expressions across many evaluations, so parsing each source
// once is enough for the lifetime of the process.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Node
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]Node)}
}

func (c *Cache) Get(source string) (Node, bool) {
	c.mu.RLock()
	node, ok := c.entries[source]
	c.mu.RUnlock()
	return node, ok
}

func (c *Cache) Set(source string, node Node) {
	c.mu.Lock()
	c.entries[source] = node
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]Node)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
