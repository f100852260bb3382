package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/ShoshinNikita/imgcache/images"
	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/cache"
	"github.com/ShoshinNikita/imgcache/pkg/download"
	"github.com/ShoshinNikita/imgcache/pkg/platform"
	"github.com/ShoshinNikita/imgcache/pkg/prefs"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
	"github.com/ShoshinNikita/imgcache/pkg/vfs"
	"github.com/ShoshinNikita/imgcache/web"
)

const prefsSnapshotName = "prefs.gob"

type App struct {
	cfg imgcache.Config

	store        *cache.Store
	prefsStore   *prefs.Store
	imageService *images.Service

	rcloneServer *vfs.RcloneServer

	server *web.Server
}

func NewApp(cfg imgcache.Config) *App {
	return &App{
		cfg: cfg,
	}
}

func (app *App) Prepare() (err error) {
	if err := os.MkdirAll(app.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("couldn't create app data dir %q: %w", app.cfg.Dir, err)
	}

	// Preferences
	app.prefsStore, err = prefs.NewStore(context.Background(), filepath.Join(app.cfg.Dir, prefsSnapshotName))
	if err != nil {
		return fmt.Errorf("couldn't prepare preferences: %w", err)
	}

	// Disk Store
	app.store, err = cache.NewStore(app.cfg.Dir, cache.Options{
		MaxSize:      app.cfg.CacheMaxSize.Bytes(),
		MaxAge:       app.cfg.CacheMaxAge,
		AfterCleanup: app.cleanUpPrefs,
	})
	if err != nil {
		return fmt.Errorf("couldn't prepare disk store: %w", err)
	}

	// Virtual Filesystem
	rcloneURL := app.cfg.Rclone.URL
	if app.cfg.Rclone.Target != "" {
		app.rcloneServer, err = vfs.NewRcloneServer(app.cfg.Rclone.Port, app.cfg.Rclone.Target)
		if err != nil {
			return fmt.Errorf("couldn't prepare rclone: %w", err)
		}
		rcloneURL = app.rcloneServer.URL()
	}
	resolver, err := vfs.NewRcloneResolver(rcloneURL)
	if err != nil {
		return err
	}

	// Image Service
	collaborators := images.Collaborators{
		Downloader: download.NewDownloader(download.Options{
			Workers:              app.cfg.Download.Workers,
			RPS:                  float64(app.cfg.Download.RPS),
			Timeout:              app.cfg.Download.Timeout,
			RetryCount:           app.cfg.Download.RetryCount,
			ReturnExistingOnFail: true,
		}),
		Rasterizer:  platform.NewNoopRasterizer(),
		Thumbnailer: platform.NewNoopThumbnailer(),
		VFS:         resolver,
		IconSizer:   platform.NewIconSizer(app.cfg.IconSize, app.cfg.DisplayDPI),
	}
	if app.cfg.ResourceDir != "" {
		collaborators.Rasterizer = platform.NewResourceRasterizer(app.cfg.ResourceDir)
	}
	if app.cfg.ContentDir != "" {
		if err := platform.CheckVips(); err != nil {
			return err
		}
		collaborators.Thumbnailer = platform.NewVipsThumbnailer(app.cfg.ContentDir)
	}
	rlog.Debugf("icon size: %dpx", collaborators.IconSizer.IconSize())

	app.imageService = images.NewService(
		app.store,
		cache.NewMemoryCache(app.cfg.MemoryCacheRetain),
		cache.NewNegativeCache(app.cfg.NegativeCacheSize, app.cfg.NegativeCacheTTL),
		app.prefsStore,
		collaborators,
	)

	// Web Server
	app.server = web.NewServer(app.cfg, app.imageService, app.prefsStore, app.store.Images.Exists)

	return nil
}

// cleanUpPrefs removes preferences of images removed by the cleaner. It can be called
// before Prepare returns.
func (app *App) cleanUpPrefs(imageCache *cache.DiskCache, _ int) {
	removed, err := app.prefsStore.CleanUp(context.Background(), imageCache.Exists)
	if err != nil {
		rlog.Errorf("couldn't clean up preferences: %s", err)
		return
	}
	if removed > 0 {
		rlog.Debugf("removed %d preferences of cleaned images", removed)
	}
}

func (app *App) Start(onError func()) <-chan struct{} {
	done := make(chan struct{})

	services := map[string]interface{ Start() error }{
		"web server": app.server,
	}
	if app.rcloneServer != nil {
		services["rclone instance"] = app.rcloneServer
	}

	go func() {
		var wg sync.WaitGroup
		for name, s := range services {
			wg.Add(1)
			go func() {
				defer wg.Done()

				if err := s.Start(); err != nil {
					rlog.Errorf("%s error: %s", name, err)
					onError()
				}
			}()
		}
		wg.Wait()

		close(done)
	}()

	return done
}

// Shutdown shutdowns all components. It is safe to call this method even if Prepare has failed.
func (app *App) Shutdown(ctx context.Context) error {
	var errs *multierror.Error
	for _, v := range []struct {
		name string
		s    shutdowner
	}{
		{"web server", app.server},
		{"image service", app.imageService},
		{"preferences", app.prefsStore},
		{"disk store", app.store},
		{"rclone instance", app.rcloneServer},
	} {
		err := safeShutdown(ctx, v.s)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("couldn't gracefully shutdown %s: %w", v.name, err))
		}
	}
	return errs.ErrorOrNil()
}

type shutdowner interface {
	Shutdown(context.Context) error
}

// safeShutdown calls Shutdown method only on initialized components.
func safeShutdown(ctx context.Context, s shutdowner) error {
	v := reflect.ValueOf(s)
	if !v.IsValid() || v.IsNil() {
		return nil
	}
	return s.Shutdown(ctx)
}
