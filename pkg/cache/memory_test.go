package cache

import (
	"image"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

func newTestBitmap() *imgcache.Bitmap {
	return imgcache.NewBitmap(image.NewRGBA(image.Rect(0, 0, 4, 4)), "png")
}

func TestMemoryCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewMemoryCache(0)

	r.Nil(c.Get("a"))
	r.Nil(c.Put("a", nil))
	r.Equal(0, c.Len())

	first := newTestBitmap()
	second := newTestBitmap()

	r.Same(first, c.Put("a", first))
	r.Same(first, c.Get("a"))

	// The live bitmap wins.
	r.Same(first, c.Put("a", second))
	r.Same(first, c.Get("a"))
	r.Equal(1, c.Len())

	r.Same(second, c.Put("b", second))
	r.Equal(2, c.Len())

	runtime.KeepAlive(first)
	runtime.KeepAlive(second)
}

func TestMemoryCache_ConcurrentPut(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewMemoryCache(0)

	const n = 50

	bitmaps := make([]*imgcache.Bitmap, n)
	for i := range bitmaps {
		bitmaps[i] = newTestBitmap()
	}

	results := make([]*imgcache.Bitmap, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Put("key", bitmaps[i])
		}()
	}
	wg.Wait()

	winner := c.Get("key")
	r.NotNil(winner)
	for _, res := range results {
		r.Same(winner, res)
	}
	r.Equal(1, c.Len())

	runtime.KeepAlive(bitmaps)
}

func TestMemoryCache_Reclaim(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewMemoryCache(0)

	func() {
		c.Put("a", newTestBitmap())
	}()

	r.Eventually(func() bool {
		runtime.GC()
		return c.Get("a") == nil && c.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)

	// The key can be reused.
	bmp := newTestBitmap()
	r.Same(bmp, c.Put("a", bmp))
	r.Same(bmp, c.Get("a"))

	runtime.KeepAlive(bmp)
}

func TestMemoryCache_ReplaceReclaimed(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewMemoryCache(0)

	func() {
		c.Put("a", newTestBitmap())
	}()

	// Wait only for the collection: the cleanup of the old entry can be run after the new
	// bitmap is put and must not remove the new entry.
	r.Eventually(func() bool {
		runtime.GC()
		return c.Get("a") == nil
	}, 5*time.Second, 10*time.Millisecond)

	bmp := newTestBitmap()
	r.Same(bmp, c.Put("a", bmp))

	time.Sleep(50 * time.Millisecond)
	runtime.GC()

	r.Same(bmp, c.Get("a"))
	r.Equal(1, c.Len())

	runtime.KeepAlive(bmp)
}

func TestMemoryCache_Retain(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewMemoryCache(1)

	func() {
		c.Put("a", newTestBitmap())
	}()

	for range 3 {
		runtime.GC()
	}
	r.NotNil(c.Get("a"), "retained bitmap must survive collections")

	// Push "a" out of the retained set.
	func() {
		c.Put("b", newTestBitmap())
	}()

	// Len doesn't touch the retained set, unlike Get.
	r.Eventually(func() bool {
		runtime.GC()
		return c.Len() == 1
	}, 5*time.Second, 10*time.Millisecond)

	r.Nil(c.Get("a"))
	r.NotNil(c.Get("b"))
}
