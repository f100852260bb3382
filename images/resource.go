package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	pkgPath "path"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

// OpenIcon returns the encoded icon of a local image if it is saved on disk. Otherwise, it
// returns the source: the file itself, or a rendered resource or content thumbnail encoded
// as PNG. The returned extension defines the format. It returns [imgcache.ErrCacheMiss] if
// the image doesn't exist.
func (s *Service) OpenIcon(ctx context.Context, rawID string) (rc io.ReadCloser, ext string, err error) {
	id, err := s.parseLocal(rawID)
	if err != nil {
		return nil, "", err
	}

	iconPath := s.store.IconPath(id, s.iconSize())
	rc, err = s.store.Icons.Open(iconPath)
	switch {
	case err == nil:
		return rc, pkgPath.Ext(iconPath), nil
	case !errors.Is(err, imgcache.ErrCacheMiss):
		return nil, "", fmt.Errorf("couldn't open icon %q: %w", iconPath, err)
	}

	rc, ext, _, err = s.openSource(ctx, id)
	return rc, ext, err
}

// IsAvailable reports whether a local image exists and is not empty.
func (s *Service) IsAvailable(ctx context.Context, rawID string) bool {
	id, err := s.parseLocal(rawID)
	if err != nil {
		return false
	}

	rc, _, size, err := s.openSource(ctx, id)
	if err != nil {
		return false
	}
	rc.Close()

	return size > 0
}

func (s *Service) parseLocal(rawID string) (imgcache.Identifier, error) {
	id, err := imgcache.ParseIdentifier(rawID)
	if err != nil {
		return imgcache.Identifier{}, err
	}
	switch id.Kind() {
	case imgcache.SchemeFile, imgcache.SchemeResource, imgcache.SchemeContent:
		return id, nil
	default:
		return imgcache.Identifier{}, fmt.Errorf("%w: %q is not a local image", imgcache.ErrUnsupported, id)
	}
}

func (s *Service) openSource(ctx context.Context, id imgcache.Identifier) (rc io.ReadCloser, ext string, size int64, err error) {
	if id.Kind() == imgcache.SchemeFile {
		f, err := os.Open(id.Path())
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, "", 0, imgcache.ErrCacheMiss
			}
			return nil, "", 0, err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, "", 0, err
		}
		return f, id.Ext(), info.Size(), nil
	}

	bmp, _, err := s.decodeLocal(ctx, id, 0)
	if err != nil {
		return nil, "", 0, err
	}
	if bmp == nil {
		return nil, "", 0, imgcache.ErrCacheMiss
	}

	buf := bytes.NewBuffer(nil)
	if err := imgcache.Encode(buf, bmp.Image, ".png"); err != nil {
		return nil, "", 0, fmt.Errorf("couldn't encode %q: %w", id, err)
	}
	return io.NopCloser(buf), ".png", int64(buf.Len()), nil
}
