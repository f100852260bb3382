package images

import (
	"bytes"
	"fmt"
	"image"

	"github.com/opencontainers/go-digest"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/cache"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

// Persist saves an already decoded image to the image dir. The file is addressed by the
// digest of the encoded content, so the same image is written only once.
func (s *Service) Persist(img image.Image) (digest.Digest, error) {
	buf := bytes.NewBuffer(nil)
	if err := imgcache.Encode(buf, img, cache.ContentExt); err != nil {
		return "", fmt.Errorf("couldn't encode image: %w", err)
	}

	rel, dgst := s.store.ContentPath(buf.Bytes())
	written, err := s.store.Images.WriteIfNotExists(rel, buf)
	if err != nil {
		return "", fmt.Errorf("couldn't write image: %w", err)
	}
	if written {
		rlog.Debugf("persisted image %s", dgst)
	}
	return dgst, nil
}

// ContentURI returns the file identifier of an image saved by [Service.Persist].
func (s *Service) ContentURI(dgst digest.Digest) (imgcache.Identifier, error) {
	rel, err := s.store.ContentPathFromDigest(dgst)
	if err != nil {
		return imgcache.Identifier{}, fmt.Errorf("invalid digest: %w", err)
	}
	if !s.store.Images.Exists(rel) {
		return imgcache.Identifier{}, imgcache.ErrCacheMiss
	}
	return s.store.Images.URI(rel), nil
}
