package images

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"os"
	pkgPath "path"
	"strings"
	"time"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/metrics"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

// resolveLocal is called only by the worker. Errors are logged: local sources can change,
// so they are never remembered as invalid.
func (s *Service) resolveLocal(ctx context.Context, task resolveTask) *imgcache.Bitmap {
	// A duplicate task could have already loaded the image.
	if bmp := s.memory.Get(task.key); bmp != nil {
		return bmp
	}

	if !task.opts.Resize {
		bmp := s.loadLocal(ctx, task.id, 0)
		if bmp != nil && task.opts.Cache {
			bmp = s.memory.Put(task.key, bmp)
		}
		return bmp
	}

	iconPath := s.store.IconPath(task.id, task.size)
	if bmp := s.loadIcon(task, iconPath); bmp != nil {
		return bmp
	}

	bmp := s.loadLocal(ctx, task.id, task.size)
	if bmp == nil {
		return nil
	}
	if task.opts.Cache {
		s.saveIcon(iconPath, bmp)
		bmp = s.memory.Put(task.key, bmp)
	}
	return bmp
}

// loadIcon decodes a saved icon. It returns nil if there is no icon or it can't be decoded,
// so the original image must be loaded.
func (s *Service) loadIcon(task resolveTask, iconPath string) *imgcache.Bitmap {
	if !s.store.Icons.Exists(iconPath) {
		return nil
	}
	bmp, err := decodeFile(s.store.Icons.Path(iconPath))
	if err != nil {
		rlog.Warnf("couldn't decode icon %q of %q, load the original image: %s", iconPath, task.id, err)
		return nil
	}
	if bmp != nil && task.opts.Cache {
		bmp = s.memory.Put(task.key, bmp)
	}
	return bmp
}

// loadLocal loads an image and fits it into size x size, if size is not 0. It returns nil
// if the image doesn't exist, can't be decoded or its scheme is not supported.
func (s *Service) loadLocal(ctx context.Context, id imgcache.Identifier, size int) *imgcache.Bitmap {
	kind := id.Kind()

	now := time.Now()
	bmp, resized, err := s.decodeLocal(ctx, id, size)
	if err != nil {
		metrics.DecodeErrors.WithLabelValues(kind.String()).Inc()
		rlog.Warnf("couldn't load image %q: %s", id, err)
		return nil
	}
	if bmp == nil {
		return nil
	}
	metrics.DecodeDuration.WithLabelValues(kind.String()).Observe(time.Since(now).Seconds())

	if size > 0 && !resized {
		bmp = resize(bmp, size)
	}
	return bmp
}

// decodeLocal dispatches on the identifier scheme. resized is true if the loader has
// already honored the size.
func (s *Service) decodeLocal(ctx context.Context, id imgcache.Identifier, size int) (bmp *imgcache.Bitmap, resized bool, err error) {
	switch id.Kind() {
	case imgcache.SchemeFile:
		bmp, err := decodeFile(id.Path())
		return bmp, false, err

	case imgcache.SchemeResource:
		ref, err := parseResourceRef(id)
		if err != nil {
			return nil, false, err
		}
		img, err := s.rasterizer.Rasterize(ctx, ref, color.Transparent, color.White)
		if err != nil || img == nil {
			return nil, false, err
		}
		return imgcache.NewBitmap(img, "resource"), false, nil

	case imgcache.SchemeContent:
		if size == 0 {
			size = s.iconSize()
		}
		img, err := s.thumbnailer.LoadThumbnail(ctx, id, size)
		if err != nil || img == nil {
			return nil, false, err
		}
		return imgcache.NewBitmap(img, "thumbnail"), true, nil

	default:
		rlog.Debugf("unsupported image identifier %q", id)
		return nil, false, nil
	}
}

// parseResourceRef parses 'res://<type>/<name>' and 'android.resource://<package>/<type>/<name>'.
func parseResourceRef(id imgcache.Identifier) (imgcache.ResourceRef, error) {
	parts := strings.Split(strings.Trim(pkgPath.Join(id.Host(), id.Path()), "/"), "/")
	if len(parts) < 2 {
		return imgcache.ResourceRef{}, fmt.Errorf("%w: invalid resource identifier %q", imgcache.ErrUnsupported, id)
	}
	return imgcache.ResourceRef{
		Type: parts[len(parts)-2],
		Name: parts[len(parts)-1],
	}, nil
}

// decodeFile decodes an image file. It returns nil bitmap and nil error for empty files.
func decodeFile(path string) (*imgcache.Bitmap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() == 0 {
		return nil, nil
	}

	return imgcache.Decode(f)
}

// saveIcon encodes the icon in the format matching the path extension. Errors are only
// logged: the icon can be generated again.
func (s *Service) saveIcon(iconPath string, bmp *imgcache.Bitmap) {
	buf := bytes.NewBuffer(nil)
	if err := imgcache.Encode(buf, bmp.Image, pkgPath.Ext(iconPath)); err != nil {
		rlog.Errorf("couldn't encode icon %q: %s", iconPath, err)
		return
	}
	if err := s.store.Icons.Write(iconPath, buf); err != nil {
		rlog.Errorf("couldn't save icon %q: %s", iconPath, err)
	}
}
