package images

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
	"github.com/ShoshinNikita/imgcache/pkg/misc"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

// DownloadImage downloads a network image to the image dir. It returns nil status and
// nil error if the image is known to be invalid. Concurrent downloads of the same image
// are merged.
func (s *Service) DownloadImage(ctx context.Context, id imgcache.Identifier) (*imgcache.DownloadStatus, error) {
	if s.negative.IsInvalid(id) {
		return nil, nil
	}

	rel := s.store.ImagePath(id)
	dst := s.store.Images.Path(rel)

	res, err, _ := s.downloads.Do(rel, func() (any, error) {
		return s.downloader.Download(ctx, id.String(), dst, s.prefs.For(rel))
	})
	if err != nil {
		// Canceled downloads say nothing about the image.
		if !errors.Is(err, context.Canceled) {
			s.negative.MarkInvalid(id)
		}
		return nil, err
	}

	status, _ := res.(*imgcache.DownloadStatus)
	if status != nil && status.State == imgcache.DownloadStale {
		rlog.Debugf("use stale copy of %q downloaded at %s", id, misc.FormatModTime(status.ModTime))
	}
	return status, nil
}

// resolveNetwork downloads and decodes a network image. Unlike with local images, errors
// are returned and the image is marked as invalid.
func (s *Service) resolveNetwork(ctx context.Context, task resolveTask) (*imgcache.Bitmap, error) {
	if s.negative.IsInvalid(task.id) {
		return nil, nil
	}

	var iconPath string
	if task.opts.Resize {
		iconPath = s.store.IconPath(task.id, task.size)
		if bmp := s.loadIcon(task, iconPath); bmp != nil {
			return bmp, nil
		}
	}

	status, err := s.DownloadImage(ctx, task.id)
	if err != nil {
		return nil, fmt.Errorf("couldn't download %q: %w", task.id, err)
	}
	if status == nil {
		return nil, nil
	}

	now := time.Now()
	bmp, err := decodeFile(status.Path)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(imgcache.SchemeNetwork.String()).Inc()
		s.negative.MarkInvalid(task.id)
		return nil, fmt.Errorf("couldn't decode %q: %w", task.id, err)
	}
	if bmp == nil {
		return nil, nil
	}
	metrics.DecodeDuration.WithLabelValues(imgcache.SchemeNetwork.String()).Observe(time.Since(now).Seconds())

	if !task.opts.Resize {
		if task.opts.Cache {
			bmp = s.memory.Put(task.key, bmp)
		}
		return bmp, nil
	}

	bmp = resize(bmp, task.size)
	if task.opts.Cache {
		s.saveIcon(iconPath, bmp)
		bmp = s.memory.Put(task.key, bmp)
	}
	return bmp, nil
}
