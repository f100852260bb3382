package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/download"
	"github.com/ShoshinNikita/imgcache/pkg/prefs"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

func TestSafeShutdown(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	err := safeShutdown(ctx, nil)
	r.NoError(err)

	err = safeShutdown(ctx, (*testShutdowner)(nil))
	r.NoError(err)

	err = safeShutdown(ctx, new(testShutdowner))
	r.Equal(err.Error(), "test")
}

func TestApp(t *testing.T) {
	r := require.New(t)

	dir := t.TempDir()
	app := NewApp(imgcache.Config{
		ServerPort:        8080,
		Dir:               dir,
		IconSize:          128,
		MemoryCacheRetain: 10,
		NegativeCacheSize: 10,
		NegativeCacheTTL:  time.Minute,
		Download: imgcache.DownloadConfig{
			Workers: 1,
			Timeout: time.Second,
		},
		LogLevel: rlog.LevelInfo,
	})
	r.NoError(app.Prepare())

	r.DirExists(filepath.Join(dir, "icons"))
	r.DirExists(filepath.Join(dir, "images"))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	r.NoError(app.Shutdown(ctx))
	r.FileExists(filepath.Join(dir, prefsSnapshotName))

	// The web server is already closed.
	r.NoError(app.server.Start())
}

func TestApp_CleanUpPrefs(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()

	dir := t.TempDir()

	// Old image and its preferences left from the previous run.
	const rel = "a/abc.jpg"
	imagePath := filepath.Join(dir, "images", filepath.FromSlash(rel))
	r.NoError(os.MkdirAll(filepath.Dir(imagePath), 0o700))
	r.NoError(os.WriteFile(imagePath, []byte("image"), 0o600))
	oldTime := time.Now().Add(-48 * time.Hour)
	r.NoError(os.Chtimes(imagePath, oldTime, oldTime))

	prefsStore, err := prefs.NewStore(ctx, filepath.Join(dir, prefsSnapshotName))
	r.NoError(err)
	r.NoError(prefsStore.For(rel).Set(ctx, download.PrefETag, `"v1"`))
	r.NoError(prefsStore.Shutdown(ctx))

	app := NewApp(imgcache.Config{
		ServerPort:        8080,
		Dir:               dir,
		CacheMaxAge:       24 * time.Hour,
		NegativeCacheSize: 10,
		NegativeCacheTTL:  time.Minute,
		Download: imgcache.DownloadConfig{
			Workers: 1,
			Timeout: time.Second,
		},
		LogLevel: rlog.LevelInfo,
	})
	r.NoError(app.Prepare())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r.NoError(app.Shutdown(ctx))
	})

	r.Eventually(func() bool {
		keys, err := app.prefsStore.Keys(ctx)
		return err == nil && len(keys) == 0
	}, 5*time.Second, 10*time.Millisecond)
	r.NoFileExists(imagePath)
}

func TestApp_ShutdownErrors(t *testing.T) {
	r := require.New(t)

	// Nothing is prepared.
	app := NewApp(imgcache.Config{})
	r.NoError(app.Shutdown(t.Context()))
}

type testShutdowner struct{}

func (*testShutdowner) Shutdown(context.Context) error { return errors.New("test") }
