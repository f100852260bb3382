package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

func TestDiskCache(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	tempDir := t.TempDir()

	cache, err := NewDiskCache("images", tempDir, Options{DisableCleaner: true})
	r.NoError(err)

	const rel = "a/288/abc.jpg"

	r.Equal(filepath.Join(tempDir, "a", "288", "abc.jpg"), cache.Path(rel))
	r.Equal("file://"+filepath.ToSlash(tempDir)+"/a/288/abc.jpg", cache.URI(rel).String())

	t.Run("remove", func(t *testing.T) {
		r := require.New(t)

		r.False(checkFile(t, cache, rel))
		r.False(cache.Exists(rel))

		err := cache.Write(rel, strings.NewReader("hello world"))
		r.NoError(err)
		r.True(checkFile(t, cache, rel))
		r.True(cache.Exists(rel))

		r.NoError(cache.Remove(rel))
		r.False(checkFile(t, cache, rel))
	})

	t.Run("read", func(t *testing.T) {
		r := require.New(t)

		err := cache.Write(rel, strings.NewReader("hello world"))
		r.NoError(err)

		rc, err := cache.Open(rel)
		r.NoError(err)

		data, err := io.ReadAll(rc)
		r.NoError(err)
		r.Equal("hello world", string(data))

		r.NoError(rc.Close())
	})

	t.Run("no temp files", func(t *testing.T) {
		r := require.New(t)

		err := cache.Write("b/1.jpg", strings.NewReader("hello world"))
		r.NoError(err)

		entries, err := os.ReadDir(filepath.Join(tempDir, "b"))
		r.NoError(err)
		r.Len(entries, 1)
		r.Equal("1.jpg", entries[0].Name())
	})
}

func TestDiskCache_FailedWrite(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	tempDir := t.TempDir()

	cache, err := NewDiskCache("images", tempDir, Options{DisableCleaner: true})
	r.NoError(err)

	err = cache.Write("a/1.jpg", io.MultiReader(strings.NewReader("hello"), errReader{}))
	r.Error(err)
	r.False(cache.Exists("a/1.jpg"))

	entries, err := os.ReadDir(filepath.Join(tempDir, "a"))
	r.NoError(err)
	r.Empty(entries, "temp file must be removed")
}

func TestDiskCache_WriteIfNotExists(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	cache, err := NewDiskCache("images", t.TempDir(), Options{DisableCleaner: true})
	r.NoError(err)

	written, err := cache.WriteIfNotExists("c/1.jpg", strings.NewReader("first"))
	r.NoError(err)
	r.True(written)

	info, err := os.Stat(cache.Path("c/1.jpg"))
	r.NoError(err)

	oldTime := time.Now().Add(-time.Hour).Truncate(time.Second)
	r.NoError(os.Chtimes(cache.Path("c/1.jpg"), oldTime, oldTime))

	written, err = cache.WriteIfNotExists("c/1.jpg", strings.NewReader("second"))
	r.NoError(err)
	r.False(written)

	newInfo, err := os.Stat(cache.Path("c/1.jpg"))
	r.NoError(err)
	r.Equal(info.Size(), newInfo.Size())
	r.True(newInfo.ModTime().Equal(oldTime))

	data, err := os.ReadFile(cache.Path("c/1.jpg"))
	r.NoError(err)
	r.Equal("first", string(data))
}

func TestStore(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	dir := t.TempDir()

	store, err := NewStore(dir, Options{})
	r.NoError(err)
	t.Cleanup(func() {
		r.NoError(store.Shutdown(context.Background()))
	})

	r.DirExists(filepath.Join(dir, "icons"))
	r.DirExists(filepath.Join(dir, "images"))

	remote := imgcache.MustParseIdentifier("https://host/img.jpg")
	imagePath := store.ImagePath(remote)
	r.NoError(store.Images.Write(imagePath, strings.NewReader("image")))

	// Icons of cached images are co-addressed with them.
	iconPath := store.IconPath(store.Images.URI(imagePath), 288)
	r.Equal("2/288/2a75edbcc9f02e9e25e91a2a04ed033c22d9f6f93b42dfc96ba277096ed13c28.jpg", iconPath)
}

func TestStore_AfterCleanup(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	dir := t.TempDir()
	oldTime := time.Now().Add(-48 * time.Hour)
	for _, path := range []string{
		filepath.Join(dir, "icons", "a", "288", "abc.jpg"),
		filepath.Join(dir, "images", "a", "abc.jpg"),
	} {
		createFile(t, path, 10)
		r.NoError(os.Chtimes(path, oldTime, oldTime))
	}

	type call struct {
		dir     string
		removed int
	}
	callsCh := make(chan call, 2)

	store, err := NewStore(dir, Options{
		MaxAge: 24 * time.Hour,
		AfterCleanup: func(c *DiskCache, removed int) {
			callsCh <- call{dir: c.Dir(), removed: removed}
		},
	})
	r.NoError(err)

	select {
	case c := <-callsCh:
		r.Equal(store.Images.Dir(), c.dir)
		r.Equal(1, c.removed)
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup wasn't called")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.NoError(store.Shutdown(ctx))

	// Both caches are cleaned, but only the image cache reports it.
	r.NoFileExists(filepath.Join(dir, "icons", "a", "288", "abc.jpg"))
	r.Empty(callsCh)
}

func checkFile(t *testing.T, cache *DiskCache, rel string) bool {
	rc, err := cache.Open(rel)
	if errors.Is(err, imgcache.ErrCacheMiss) {
		return false
	}
	require.NoError(t, err)
	rc.Close()
	return true
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) {
	return 0, errors.New("read error")
}
