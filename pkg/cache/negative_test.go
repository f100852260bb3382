package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

func TestNegativeCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewNegativeCache(2, 0)

	id1 := imgcache.MustParseIdentifier("https://host/1.jpg")
	id2 := imgcache.MustParseIdentifier("https://host/2.jpg")
	id3 := imgcache.MustParseIdentifier("https://host/3.jpg")

	r.False(c.IsInvalid(id1))

	c.MarkInvalid(id1)
	r.True(c.IsInvalid(id1))
	r.False(c.IsInvalid(id2))

	c.MarkInvalid(id1)
	r.Equal(1, c.Len())

	c.MarkInvalid(id2)
	c.MarkInvalid(id3)
	r.Equal(2, c.Len())
	r.False(c.IsInvalid(id1), "the oldest entry must be evicted")
	r.True(c.IsInvalid(id2))
	r.True(c.IsInvalid(id3))
}

func TestNegativeCache_TTL(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	c := NewNegativeCache(10, 50*time.Millisecond)

	id := imgcache.MustParseIdentifier("https://host/1.jpg")
	c.MarkInvalid(id)
	r.True(c.IsInvalid(id))

	r.Eventually(func() bool {
		return !c.IsInvalid(id)
	}, time.Second, 10*time.Millisecond)
}
