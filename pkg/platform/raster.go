package platform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

// resourceExts are checked in order.
var resourceExts = []string{".png", ".webp", ".jpg", ".jpeg", ".gif", ".bmp", ".svg"}

// ResourceRasterizer renders resources stored as '<dir>/<type>/<name><ext>'. Vector
// resources (.svg) are rendered with vips.
type ResourceRasterizer struct {
	dir       string
	renderSVG func(ctx context.Context, src, dst string) error
}

var _ imgcache.Rasterizer = (*ResourceRasterizer)(nil)

func NewResourceRasterizer(dir string) *ResourceRasterizer {
	return &ResourceRasterizer{
		dir:       dir,
		renderSVG: renderSVGWithVips,
	}
}

// Rasterize returns the resource drawn over the background. Alpha masks are filled with
// the foreground color.
func (r *ResourceRasterizer) Rasterize(ctx context.Context, ref imgcache.ResourceRef, background, foreground color.Color) (image.Image, error) {
	path, ok, err := r.findResource(ref)
	if err != nil || !ok {
		return nil, err
	}

	src, err := r.load(ctx, path)
	if err != nil {
		return nil, err
	}
	return compose(src, background, foreground), nil
}

func (r *ResourceRasterizer) findResource(ref imgcache.ResourceRef) (path string, ok bool, err error) {
	if !isValidName(ref.Type) || !isValidName(ref.Name) {
		return "", false, fmt.Errorf("%w: invalid resource %q/%q", imgcache.ErrUnsupported, ref.Type, ref.Name)
	}

	for _, ext := range resourceExts {
		path := filepath.Join(r.dir, ref.Type, ref.Name+ext)

		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return "", false, err
		}
		if info.Size() == 0 {
			// Empty resources are treated as absent.
			return "", false, nil
		}
		return path, true, nil
	}
	return "", false, nil
}

func (r *ResourceRasterizer) load(ctx context.Context, path string) (image.Image, error) {
	if filepath.Ext(path) == ".svg" {
		tempFile, err := os.CreateTemp("", "imgcache-resource-*.png")
		if err != nil {
			return nil, fmt.Errorf("couldn't create temp file: %w", err)
		}
		tempFile.Close()
		defer func() {
			if err := os.Remove(tempFile.Name()); err != nil {
				rlog.Errorf("couldn't remove temp file: %s", err)
			}
		}()

		if err := r.renderSVG(ctx, path, tempFile.Name()); err != nil {
			return nil, err
		}
		path = tempFile.Name()
	}

	f, err := os.Open(path)
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

func compose(src image.Image, background, foreground color.Color) image.Image {
	bounds := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	draw.Draw(dst, dst.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	switch src.(type) {
	case *image.Alpha, *image.Alpha16:
		draw.DrawMask(dst, dst.Bounds(), image.NewUniform(foreground), image.Point{}, src, bounds.Min, draw.Over)
	default:
		draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Over)
	}
	return dst
}

func isValidName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func renderSVGWithVips(ctx context.Context, src, dst string) error {
	cmd := exec.CommandContext(ctx, "vips", "copy", src, dst)
	stderr := bytes.NewBuffer(nil)
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("couldn't render svg: %w, stderr: %q", err, stderr.String())
	}
	return nil
}
