// Package download fetches remote images to local files.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

// Names of the settings stored in [imgcache.Preferences].
const (
	PrefETag         = "etag"
	PrefLastModified = "lastModified"
)

const tempFilePrefix = ".tmp-"

type Options struct {
	// Workers is the max number of concurrent downloads.
	Workers int
	// RPS is the max number of requests per second. 0 means no limit.
	RPS     float64
	Timeout time.Duration

	RetryCount   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// ReturnExistingOnFail allows returning a previously downloaded file if the download
	// has failed.
	ReturnExistingOnFail bool
}

type Downloader struct {
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	returnExistingOnFail bool
}

var _ imgcache.Downloader = (*Downloader)(nil)

func NewDownloader(opts Options) *Downloader {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	limit := rate.Inf
	burst := 1
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
		burst = max(1, int(opts.RPS))
	}

	rclient := retryablehttp.NewClient()
	rclient.HTTPClient.Timeout = opts.Timeout
	rclient.RetryMax = opts.RetryCount
	if opts.RetryWaitMin > 0 {
		rclient.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rclient.RetryWaitMax = opts.RetryWaitMax
	}
	rclient.Logger = retryLogger{}

	return &Downloader{
		client:               rclient.StandardClient(),
		sem:                  semaphore.NewWeighted(int64(opts.Workers)),
		limiter:              rate.NewLimiter(limit, burst),
		returnExistingOnFail: opts.ReturnExistingOnFail,
	}
}

// Download downloads a file to dst. If dst is not older than the max age from prefs, it
// is returned without any requests. Otherwise, the file is requested with conditions built
// from the stored etag and modification time.
func (d *Downloader) Download(ctx context.Context, rawURL, dst string, prefs imgcache.Preferences) (*imgcache.DownloadStatus, error) {
	now := time.Now()

	existing, err := os.Stat(dst)
	switch {
	case err == nil:
		if now.Sub(existing.ModTime()) < prefs.MaxAge() {
			metrics.Downloads.WithLabelValues("fresh").Inc()
			return &imgcache.DownloadStatus{Path: dst, State: imgcache.DownloadFresh, ModTime: existing.ModTime()}, nil
		}
	case errors.Is(err, fs.ErrNotExist):
		existing = nil
	default:
		return nil, fmt.Errorf("couldn't check file %q: %w", dst, err)
	}

	status, err := d.download(ctx, rawURL, dst, existing != nil, prefs)
	if err != nil {
		rlog.Debugf("couldn't download %q: %s", rawURL, err)

		if d.returnExistingOnFail && existing != nil {
			metrics.Downloads.WithLabelValues("stale").Inc()
			return &imgcache.DownloadStatus{Path: dst, State: imgcache.DownloadStale, ModTime: existing.ModTime()}, nil
		}

		metrics.Downloads.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w %q: %w", imgcache.ErrDownload, rawURL, err)
	}
	return status, nil
}

func (d *Downloader) download(ctx context.Context, rawURL, dst string, conditional bool, prefs imgcache.Preferences) (*imgcache.DownloadStatus, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("couldn't prepare request: %w", err)
	}
	if conditional {
		if err := setConditionalHeaders(ctx, req, prefs); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && conditional:
		now := time.Now()
		if err := os.Chtimes(dst, now, now); err != nil {
			return nil, fmt.Errorf("couldn't update modification time: %w", err)
		}

		metrics.Downloads.WithLabelValues("not_modified").Inc()
		return &imgcache.DownloadStatus{Path: dst, State: imgcache.DownloadFresh, ModTime: now}, nil

	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	size, err := writeFile(dst, resp.Body)
	if err != nil {
		return nil, err
	}

	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	metrics.DownloadedBytes.Add(float64(size))
	metrics.Downloads.WithLabelValues("fresh").Inc()

	// Validators are not required for correctness, so errors are only logged.
	for name, value := range map[string]string{
		PrefETag:         resp.Header.Get("ETag"),
		PrefLastModified: resp.Header.Get("Last-Modified"),
	} {
		if value == "" {
			// Only a validator of the previous content is removed.
			if prev, err := prefs.Get(ctx, name); err != nil || prev == "" {
				continue
			}
		}
		if err := prefs.Set(ctx, name, value); err != nil {
			rlog.Warnf("couldn't save %q of %q: %s", name, rawURL, err)
		}
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("couldn't check downloaded file: %w", err)
	}
	return &imgcache.DownloadStatus{Path: dst, State: imgcache.DownloadFresh, ModTime: info.ModTime()}, nil
}

func setConditionalHeaders(ctx context.Context, req *http.Request, prefs imgcache.Preferences) error {
	etag, err := prefs.Get(ctx, PrefETag)
	if err != nil {
		return fmt.Errorf("couldn't get etag: %w", err)
	}
	lastModified, err := prefs.Get(ctx, PrefLastModified)
	if err != nil {
		return fmt.Errorf("couldn't get modification time: %w", err)
	}

	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	return nil
}

// writeFile writes the content to a temp file in the same dir and then renames it, so
// dst is always complete.
func writeFile(dst string, r io.Reader) (size int64, err error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return 0, fmt.Errorf("couldn't create dir %q: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("couldn't create temp file: %w", err)
	}
	defer func() {
		f.Close()
		if err != nil {
			os.Remove(f.Name())
		}
	}()

	size, err = io.Copy(f, r)
	if err != nil {
		return 0, fmt.Errorf("couldn't write file: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, fmt.Errorf("couldn't close file: %w", err)
	}
	if err = os.Rename(f.Name(), dst); err != nil {
		return 0, fmt.Errorf("couldn't rename temp file: %w", err)
	}
	return size, nil
}

// retryLogger passes retryablehttp logs to rlog.
type retryLogger struct{}

func (retryLogger) Error(msg string, keysAndValues ...any) {
	rlog.Errorf("%s %v", msg, keysAndValues)
}

func (retryLogger) Info(msg string, keysAndValues ...any) {
	rlog.Debugf("%s %v", msg, keysAndValues)
}

func (retryLogger) Debug(msg string, keysAndValues ...any) {
	rlog.Debugf("%s %v", msg, keysAndValues)
}

func (retryLogger) Warn(msg string, keysAndValues ...any) {
	rlog.Warnf("%s %v", msg, keysAndValues)
}
