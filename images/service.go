// Package images resolves image identifiers to decoded bitmaps through the memory cache,
// the disk store and scheme-specific loaders.
package images

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/cache"
	"github.com/ShoshinNikita/imgcache/pkg/download"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
	"github.com/ShoshinNikita/imgcache/pkg/platform"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

const (
	defaultIconSize = 288
	taskTimeout     = time.Minute
	maxQueuedTasks  = 10_000
)

type Options struct {
	// Cache enables population of the memory cache and the disk store.
	Cache bool
	// Resize fits the image into the icon size.
	Resize bool
}

// PrefsProvider returns preferences of downloaded images by their path relative to the
// image dir.
type PrefsProvider interface {
	For(rel string) imgcache.Preferences
}

// Collaborators are external capabilities used by [Service]. Nil fields are replaced with
// defaults: noop rasterizer and thumbnailer, no virtual filesystems.
type Collaborators struct {
	Downloader  imgcache.Downloader
	Rasterizer  imgcache.Rasterizer
	Thumbnailer imgcache.Thumbnailer
	VFS         imgcache.VFSResolver
	IconSizer   imgcache.IconSizer
}

// Service resolves images. Local images are decoded by a single worker one at a time,
// network images are downloaded and decoded concurrently.
type Service struct {
	store    *cache.Store
	memory   *cache.MemoryCache
	negative *cache.NegativeCache
	prefs    PrefsProvider

	downloader  imgcache.Downloader
	rasterizer  imgcache.Rasterizer
	thumbnailer imgcache.Thumbnailer
	vfs         imgcache.VFSResolver
	iconSizer   imgcache.IconSizer

	downloads singleflight.Group

	// ctx is canceled on shutdown to abort work that is still in progress.
	ctx    context.Context
	cancel context.CancelFunc

	// sendMu guards sending to tasksCh and starting network goroutines: Shutdown takes
	// it exclusively to close the channel.
	sendMu        sync.RWMutex
	tasksCh       chan resolveTask
	networkTasks  sync.WaitGroup
	stopped       *atomic.Bool
	workerDoneCh  chan struct{}
	networkDoneCh chan struct{}
}

type resolveTask struct {
	id     imgcache.Identifier
	key    string
	size   int
	opts   Options
	future *Future
}

func NewService(
	store *cache.Store, memory *cache.MemoryCache, negative *cache.NegativeCache, prefs PrefsProvider,
	c Collaborators,
) *Service {

	return newService(store, memory, negative, prefs, c, maxQueuedTasks)
}

func newService(
	store *cache.Store, memory *cache.MemoryCache, negative *cache.NegativeCache, prefs PrefsProvider,
	c Collaborators, queueSize int,
) *Service {

	if c.Downloader == nil {
		c.Downloader = download.NewDownloader(download.Options{
			Workers:              1,
			Timeout:              time.Minute,
			ReturnExistingOnFail: true,
		})
	}
	if c.Rasterizer == nil {
		c.Rasterizer = platform.NewNoopRasterizer()
	}
	if c.Thumbnailer == nil {
		c.Thumbnailer = platform.NewNoopThumbnailer()
	}
	if c.IconSizer == nil {
		c.IconSizer = platform.FixedIconSize(defaultIconSize)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		store:    store,
		memory:   memory,
		negative: negative,
		prefs:    prefs,
		//
		downloader:  c.Downloader,
		rasterizer:  c.Rasterizer,
		thumbnailer: c.Thumbnailer,
		vfs:         c.VFS,
		iconSizer:   c.IconSizer,
		//
		ctx:    ctx,
		cancel: cancel,
		//
		tasksCh:       make(chan resolveTask, queueSize),
		stopped:       new(atomic.Bool),
		workerDoneCh:  make(chan struct{}),
		networkDoneCh: make(chan struct{}),
	}

	go s.startWorker()

	return s
}

// Get resolves an image and waits for the result.
func (s *Service) Get(ctx context.Context, rawID string, opts Options) (*imgcache.Bitmap, error) {
	return s.Resolve(rawID, opts).Wait(ctx)
}

// Resolve starts resolution of an image. It never blocks: cached images are returned
// immediately, and if too many local images are queued, the future fails with
// [imgcache.ErrQueueFull].
func (s *Service) Resolve(rawID string, opts Options) *Future {
	id, err := imgcache.ParseIdentifier(rawID)
	if err != nil {
		return newResolvedFuture(nil, err)
	}
	return s.ResolveIdentifier(id, opts)
}

func (s *Service) ResolveIdentifier(id imgcache.Identifier, opts Options) *Future {
	kind := s.kind(id)
	if kind == imgcache.SchemeVirtual {
		fetchable, err := s.vfs.ToFetchable(id)
		if err != nil {
			rlog.Debugf("couldn't resolve virtual identifier %q: %s", id, err)
			return newResolvedFuture(nil, nil)
		}
		if s.kind(fetchable) == imgcache.SchemeVirtual {
			rlog.Warnf("virtual identifier %q was resolved to another virtual identifier %q", id, fetchable)
			return newResolvedFuture(nil, nil)
		}
		return s.ResolveIdentifier(fetchable, opts)
	}

	var size int
	key := id.String()
	if opts.Resize {
		size = s.iconSize()
		key = s.iconKey(id, size)
	}

	if bmp := s.memory.Get(key); bmp != nil {
		return newResolvedFuture(bmp, nil)
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()

	if s.stopped.Load() {
		return newResolvedFuture(nil, imgcache.ErrShutdown)
	}

	task := resolveTask{
		id:     id,
		key:    key,
		size:   size,
		opts:   opts,
		future: newFuture(),
	}

	if kind == imgcache.SchemeNetwork {
		s.networkTasks.Add(1)
		go func() {
			defer s.networkTasks.Done()

			bmp, err := s.resolveNetwork(s.ctx, task)
			task.future.resolve(bmp, err)
		}()
		return task.future
	}

	metrics.QueuedTasks.Inc()
	select {
	case s.tasksCh <- task:
	default:
		metrics.QueuedTasks.Dec()
		rlog.Warnf("couldn't queue %q: too many queued tasks", id)
		task.future.resolve(nil, imgcache.ErrQueueFull)
	}
	return task.future
}

// kind returns the scheme of the identifier. Schemes supported by the virtual filesystem
// resolver are reported as [imgcache.SchemeVirtual].
func (s *Service) kind(id imgcache.Identifier) imgcache.Scheme {
	kind := id.Kind()
	if kind == imgcache.SchemeUnknown && s.vfs != nil && s.vfs.IsSupportedScheme(id.Scheme()) {
		return imgcache.SchemeVirtual
	}
	return kind
}

func (s *Service) iconSize() int {
	if size := s.iconSizer.IconSize(); size > 0 {
		return size
	}
	return defaultIconSize
}

// iconKey returns the uri of the icon file. It is a valid file identifier and never
// matches raw identifiers of other images.
func (s *Service) iconKey(id imgcache.Identifier, size int) string {
	return s.store.Icons.URI(s.store.IconPath(id, size)).String()
}

func (s *Service) startWorker() {
	defer close(s.workerDoneCh)

	for task := range s.tasksCh {
		metrics.QueuedTasks.Dec()

		if s.stopped.Load() {
			task.future.resolve(nil, imgcache.ErrShutdown)
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, taskTimeout)
		bmp := s.resolveLocal(ctx, task)
		cancel()

		task.future.resolve(bmp, nil)
	}
}

// Shutdown rejects new tasks, resolves queued ones with [imgcache.ErrShutdown] and waits
// for ones that are in progress with respect of the passed context.
func (s *Service) Shutdown(ctx context.Context) error {
	defer s.cancel()

	s.sendMu.Lock()
	if s.stopped.Swap(true) {
		s.sendMu.Unlock()
		return errors.New("service is already shut down")
	}
	close(s.tasksCh)
	s.sendMu.Unlock()

	go func() {
		s.networkTasks.Wait()
		close(s.networkDoneCh)
	}()

	for _, ch := range []chan struct{}{s.workerDoneCh, s.networkDoneCh} {
		select {
		case <-ctx.Done():
			return fmt.Errorf("couldn't wait for tasks: %w", ctx.Err())
		case <-ch:
		}
	}
	return nil
}
