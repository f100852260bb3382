package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"os/exec"
	pkgPath "path"
	"path/filepath"
	"strconv"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

func CheckVips() error {
	cmd := exec.Command("vips", "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("vips is not installed: %w", err)
	}
	return nil
}

// VipsThumbnailer loads thumbnails of 'content://<authority>/<path>' identifiers. Content
// is stored as '<dir>/<authority>/<path>'.
type VipsThumbnailer struct {
	dir         string
	thumbnailFn func(ctx context.Context, src, dst string, size int) error
}

var _ imgcache.Thumbnailer = (*VipsThumbnailer)(nil)

func NewVipsThumbnailer(dir string) *VipsThumbnailer {
	return &VipsThumbnailer{
		dir:         dir,
		thumbnailFn: thumbnailWithVips,
	}
}

func (t *VipsThumbnailer) LoadThumbnail(ctx context.Context, id imgcache.Identifier, size int) (image.Image, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size: %d", size)
	}

	// Clean the path as an absolute one to not go out of the dir.
	rel := pkgPath.Clean("/" + pkgPath.Join(id.Host(), id.Path()))
	if rel == "/" {
		return nil, nil
	}
	path := filepath.Join(t.dir, filepath.FromSlash(rel))

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, nil
	}

	tempFile, err := os.CreateTemp("", "imgcache-thumbnail-*.png")
	if err != nil {
		return nil, fmt.Errorf("couldn't create temp file: %w", err)
	}
	tempFile.Close()
	defer func() {
		if err := os.Remove(tempFile.Name()); err != nil {
			rlog.Errorf("couldn't remove temp thumbnail file: %s", err)
		}
	}()

	if err := t.thumbnailFn(ctx, path, tempFile.Name(), size); err != nil {
		return nil, err
	}

	f, err := os.Open(tempFile.Name())
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bmp, err := imgcache.Decode(f)
	if err != nil {
		return nil, err
	}
	return bmp.Image, nil
}

// thumbnailWithVips resizes the original file with "vipsthumbnail" command. Images are
// only shrunk: '>' after the size disables upscaling.
//
// See https://www.libvips.org/API/current/Using-vipsthumbnail.html for "vipsthumbnail" docs.
func thumbnailWithVips(ctx context.Context, src, dst string, size int) error {
	sizeArg := strconv.Itoa(size) + "x" + strconv.Itoa(size) + ">"

	//nolint:gosec
	cmd := exec.CommandContext(ctx,
		"vipsthumbnail",
		"--rotate", // auto-rotate
		src,
		"--size", sizeArg,
		"-o", dst,
	)
	stderr := bytes.NewBuffer(nil)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("couldn't resize image: %w, stderr: %q", err, stderr.String())
	}
	if stderr.Len() > 0 {
		rlog.Infof("vips stderr for %q: %q", src, stderr.String())
	}
	return nil
}
