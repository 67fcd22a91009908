package stream

import (
	"sync"

	"github.com/thebtf/facepay/internal/vision"
)

// DefaultCacheCapacity is the number of recent embeddings kept per connection.
const DefaultCacheCapacity = 10

// EmbeddingCache keeps the most recent embeddings of one connection in
// insertion order. Once full, the oldest entry is evicted first.
type EmbeddingCache struct {
	items    []vision.Embedding
	capacity int
	mu       sync.Mutex
}

// NewEmbeddingCache creates an empty cache holding at most capacity embeddings.
func NewEmbeddingCache(capacity int) *EmbeddingCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &EmbeddingCache{
		items:    make([]vision.Embedding, 0, capacity),
		capacity: capacity,
	}
}

// Append adds embeddings to the end, evicting from the front past capacity.
// The cache stores its own copies.
func (c *EmbeddingCache) Append(embeddings ...vision.Embedding) {
	if len(embeddings) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range embeddings {
		c.items = append(c.items, e.Clone())
	}
	if excess := len(c.items) - c.capacity; excess > 0 {
		n := copy(c.items, c.items[excess:])
		clear(c.items[n:])
		c.items = c.items[:n]
	}
}

// Snapshot returns a copy of the cached embeddings, oldest first.
func (c *EmbeddingCache) Snapshot() []vision.Embedding {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]vision.Embedding, len(c.items))
	for i, e := range c.items {
		out[i] = e.Clone()
	}
	return out
}

// Clear empties the cache.
func (c *EmbeddingCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.items)
	c.items = c.items[:0]
}

// Len returns the number of cached embeddings.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Capacity returns the maximum number of cached embeddings.
func (c *EmbeddingCache) Capacity() int {
	return c.capacity
}
