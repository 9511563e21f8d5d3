package debuginfo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageCache(t *testing.T) {
	cache := newImageCache(2)

	a := &Image{Path: "a"}
	b := &Image{Path: "b"}
	c := &Image{Path: "c"}

	cache.Put(1, a)
	cache.Put(2, b)
	assert.Equal(t, 2, cache.Len())

	// Touch 1 so 2 becomes the eviction candidate.
	got, ok := cache.Get(1)
	require.True(t, ok)
	assert.Same(t, a, got)

	cache.Put(3, c)
	assert.Equal(t, 2, cache.Len())

	_, ok = cache.Get(2)
	assert.False(t, ok, "least recently used entry should be evicted")

	_, ok = cache.Get(1)
	assert.True(t, ok)
	_, ok = cache.Get(3)
	assert.True(t, ok)
}

func TestImageCacheReplace(t *testing.T) {
	cache := newImageCache(0)

	cache.Put(7, &Image{Path: "old"})
	cache.Put(7, &Image{Path: "new"})

	got, ok := cache.Get(7)
	require.True(t, ok)
	assert.Equal(t, "new", got.Path)
	assert.Equal(t, 1, cache.Len())
}
