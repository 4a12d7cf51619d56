package compiler

import (
	"container/list"
	"sync"
	"time"
)

// cacheEntry is one memory-cache slot
type cacheEntry struct {
	key          string
	handler      *CompiledHandler
	size         int64
	lastAccessed time.Time
	accessCount  uint64
}

// memoryCache is a byte-bounded LRU. The list front is the most recently
// accessed entry. One mutex guards the map and the ordering.
type memoryCache struct {
	mu        sync.Mutex
	maxBytes  int64
	size      int64
	order     *list.List
	items     map[string]*list.Element
	evictions uint64
}

func newMemoryCache(maxBytes int64) *memoryCache {
	return &memoryCache{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// get returns the cached handler and refreshes its recency
func (c *memoryCache) get(key string) (*CompiledHandler, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	e.lastAccessed = time.Now()
	e.accessCount++
	c.order.MoveToFront(el)
	return e.handler, true
}

// put inserts or replaces an entry, evicting least-recently-accessed entries
// until it fits. It returns the evicted keys and whether the entry was kept;
// an entry larger than the whole budget is not cached.
func (c *memoryCache) put(key string, h *CompiledHandler, size int64) (evicted []string, stored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if size > c.maxBytes {
		return nil, false
	}
	for c.size+size > c.maxBytes {
		back := c.order.Back()
		if back == nil {
			break
		}
		evicted = append(evicted, back.Value.(*cacheEntry).key)
		c.removeElement(back)
		c.evictions++
	}

	el := c.order.PushFront(&cacheEntry{
		key:          key,
		handler:      h,
		size:         size,
		lastAccessed: time.Now(),
		accessCount:  1,
	})
	c.items[key] = el
	c.size += size
	return evicted, true
}

func (c *memoryCache) removeElement(el *list.Element) {
	e := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.items, e.key)
	c.size -= e.size
}

// contains reports presence without touching recency
func (c *memoryCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}

func (c *memoryCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
	c.size = 0
}

// stats returns entry count, bytes held and total evictions
func (c *memoryCache) stats() (entries int, bytes int64, evictions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.size, c.evictions
}

// accessCount reports how often key was served, for diagnostics
func (c *memoryCache) accessCount(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*cacheEntry).accessCount
	}
	return 0
}
