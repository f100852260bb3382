package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

const tempFilePrefix = ".tmp-"

// DiskCache stores files by paths relative to its dir. Existence of a file means that it
// was completely written: files are written to temp files first and then renamed.
type DiskCache struct {
	name    string
	absDir  string
	cleaner interface{ Shutdown(context.Context) error }
}

type Options struct {
	// MaxSize is the max total size of files, in bytes. 0 means no limit.
	MaxSize int64
	// MaxAge is the max age of files. 0 means no limit.
	MaxAge time.Duration
	// AfterCleanup is called after the cleaner has removed some files of the cache.
	AfterCleanup   func(c *DiskCache, removed int)
	DisableCleaner bool
}

func NewDiskCache(name, dir string, opts Options) (*DiskCache, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("couldn't get absolute path: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o700); err != nil {
		return nil, fmt.Errorf("couldn't create dir %q: %w", absDir, err)
	}

	c := &DiskCache{
		name:    name,
		absDir:  absDir,
		cleaner: NewNoopCleaner(),
	}
	if !opts.DisableCleaner && (opts.MaxSize > 0 || opts.MaxAge > 0) {
		rlog.Debugf("start cleaner for %q cache, max size: %d, max age: %s", name, opts.MaxSize, opts.MaxAge)

		var afterCleanup func(removed int)
		if opts.AfterCleanup != nil {
			afterCleanup = func(removed int) { opts.AfterCleanup(c, removed) }
		}
		c.cleaner = NewCleaner(absDir, opts.MaxAge, opts.MaxSize, afterCleanup)
	}
	return c, nil
}

// Dir returns the absolute path of the cache dir.
func (c *DiskCache) Dir() string {
	return c.absDir
}

// Path returns the absolute path of a cache file.
func (c *DiskCache) Path(rel string) string {
	return filepath.Join(c.absDir, filepath.FromSlash(rel))
}

// URI returns the file identifier of a cache file.
func (c *DiskCache) URI(rel string) imgcache.Identifier {
	return imgcache.FileIdentifier(filepath.ToSlash(c.Path(rel)))
}

// Exists reports whether a cache file exists.
func (c *DiskCache) Exists(rel string) bool {
	info, err := os.Stat(c.Path(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.CacheMisses.WithLabelValues(c.name).Inc()
		} else {
			metrics.CacheErrors.WithLabelValues(c.name).Inc()
		}
		return false
	}

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return info.Mode().IsRegular()
}

// Open return an [io.ReadCloser] with cache content. If the file is not cached, it returns
// [imgcache.ErrCacheMiss].
func (c *DiskCache) Open(rel string) (io.ReadCloser, error) {
	file, err := os.Open(c.Path(rel))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			metrics.CacheMisses.WithLabelValues(c.name).Inc()
			return nil, imgcache.ErrCacheMiss
		}

		metrics.CacheErrors.WithLabelValues(c.name).Inc()
		return nil, err
	}

	metrics.CacheHits.WithLabelValues(c.name).Inc()
	return file, nil
}

// GetFilepath returns the absolute path of a cache file. It creates all directories, so
// the caller can create the cache file without any additional actions.
func (c *DiskCache) GetFilepath(rel string) (path string, err error) {
	path = c.Path(rel)

	dir := filepath.Dir(path)
	err = os.MkdirAll(dir, 0o700)
	if err != nil {
		return "", fmt.Errorf("couldn't create dir %q: %w", dir, err)
	}

	return path, nil
}

// Write copies the content of the passed [io.Reader] to a cache file. The file is replaced
// atomically.
func (c *DiskCache) Write(rel string, r io.Reader) error {
	path, err := c.GetFilepath(rel)
	if err != nil {
		return err
	}

	// Create the temp file in the same dir: rename fails across devices.
	f, err := os.CreateTemp(filepath.Dir(path), tempFilePrefix+"*")
	if err != nil {
		metrics.CacheErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("couldn't create temp file: %w", err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(f.Name())
		}
	}()

	if _, err = io.Copy(f, r); err != nil {
		metrics.CacheErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("couldn't write file: %w", err)
	}
	if err = f.Close(); err != nil {
		metrics.CacheErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("couldn't close file: %w", err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		metrics.CacheErrors.WithLabelValues(c.name).Inc()
		return fmt.Errorf("couldn't rename temp file: %w", err)
	}

	metrics.CacheWrites.WithLabelValues(c.name).Inc()
	return nil
}

// WriteIfNotExists writes a cache file only if it doesn't exist yet. Content is not
// compared: files are expected to be content-addressed.
func (c *DiskCache) WriteIfNotExists(rel string, r io.Reader) (written bool, err error) {
	if c.Exists(rel) {
		return false, nil
	}
	if err := c.Write(rel, r); err != nil {
		return false, err
	}
	return true, nil
}

// Remove removes a cache file. To remove cache files over time use [Cleaner], cache files
// should be manually removed only in case of an error.
func (c *DiskCache) Remove(rel string) error {
	return os.Remove(c.Path(rel))
}

func (c *DiskCache) Shutdown(ctx context.Context) error {
	return c.cleaner.Shutdown(ctx)
}

func isTempFile(path string) bool {
	return strings.HasPrefix(filepath.Base(path), tempFilePrefix)
}

// Store groups the icon and image caches.
type Store struct {
	Addressor

	Icons  *DiskCache
	Images *DiskCache
}

// NewStore creates caches in '<dir>/icons' and '<dir>/images'. opts.AfterCleanup is
// called only for the image cache.
func NewStore(dir string, opts Options) (*Store, error) {
	iconOpts := opts
	iconOpts.AfterCleanup = nil

	icons, err := NewDiskCache("icons", filepath.Join(dir, "icons"), iconOpts)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare icon cache: %w", err)
	}
	images, err := NewDiskCache("images", filepath.Join(dir, "images"), opts)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare image cache: %w", err)
	}
	return &Store{
		Addressor: NewAddressor(icons.Dir(), images.Dir()),
		Icons:     icons,
		Images:    images,
	}, nil
}

func (s *Store) Shutdown(ctx context.Context) error {
	iconsErr := s.Icons.Shutdown(ctx)
	imagesErr := s.Images.Shutdown(ctx)
	return errors.Join(iconsErr, imagesErr)
}
