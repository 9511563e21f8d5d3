package debuginfo

import (
	"container/list"
	"sync"
)

// imageCache is an LRU cache of resolved images keyed by binary content hash.
type imageCache struct {
	capacity int
	mu       sync.Mutex
	items    map[uint64]*list.Element
	lruList  *list.List
}

type cacheEntry struct {
	hash  uint64
	image *Image
}

func newImageCache(capacity int) *imageCache {
	if capacity < 1 {
		capacity = 1
	}
	return &imageCache{
		capacity: capacity,
		items:    make(map[uint64]*list.Element),
		lruList:  list.New(),
	}
}

// Get retrieves an image and marks it as recently used.
func (c *imageCache) Get(hash uint64) (*Image, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[hash]; ok {
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheEntry).image, true
	}

	return nil, false
}

// Put adds or replaces an image, evicting the least recently used one when full.
func (c *imageCache) Put(hash uint64, img *Image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[hash]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*cacheEntry).image = img
		return
	}

	c.items[hash] = c.lruList.PushFront(&cacheEntry{hash: hash, image: img})

	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		c.lruList.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).hash)
	}
}

// Len returns the current number of cached images.
func (c *imageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}
