package platform

import (
	"context"
	"image"
	"image/color"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

// NoopRasterizer is used when no resource dir is configured: all resources are absent.
type NoopRasterizer struct{}

func NewNoopRasterizer() *NoopRasterizer { return &NoopRasterizer{} }

func (NoopRasterizer) Rasterize(context.Context, imgcache.ResourceRef, color.Color, color.Color) (image.Image, error) {
	return nil, nil
}

// NoopThumbnailer is used when no content dir is configured or vips is not installed.
type NoopThumbnailer struct{}

func NewNoopThumbnailer() *NoopThumbnailer { return &NoopThumbnailer{} }

func (NoopThumbnailer) LoadThumbnail(context.Context, imgcache.Identifier, int) (image.Image, error) {
	return nil, nil
}
