package embedding

import (
	"container/list"
	"sync"
)

// EmbeddingCache is an LRU of embeddings keyed by the embedded text. Vectors
// are copied in and out, so callers may modify what they get back.
type EmbeddingCache struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	text string
	vec  []float32
}

// NewEmbeddingCache creates a cache holding at most capacity vectors. A
// capacity of zero or less disables caching.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	return &EmbeddingCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns a copy of the vector cached for text and marks it recently used.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[text]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return append([]float32(nil), elem.Value.(*cacheEntry).vec...), true
}

// Set caches a copy of vec for text, evicting the least recently used entry
// when full.
func (c *EmbeddingCache) Set(text string, vec []float32) {
	if c.capacity <= 0 {
		return
	}
	stored := append([]float32(nil), vec...)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[text]; ok {
		elem.Value.(*cacheEntry).vec = stored
		c.order.MoveToFront(elem)
		return
	}
	c.entries[text] = c.order.PushFront(&cacheEntry{text: text, vec: stored})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).text)
	}
}

// Len returns the number of cached vectors.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
