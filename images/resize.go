package images

import (
	"image"

	"golang.org/x/image/draw"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

// resize fits the bitmap into size x size preserving the aspect ratio. Small bitmaps are
// returned as-is.
func resize(bmp *imgcache.Bitmap, size int) *imgcache.Bitmap {
	if size <= 0 {
		return bmp
	}

	bounds := bmp.Bounds()
	width, height, shouldResize := fitSize(bounds, size, size)
	if !shouldResize {
		return bmp
	}

	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), bmp.Image, bounds, draw.Src, nil)

	return imgcache.NewBitmap(dst, bmp.Format)
}

// fitSize calculates new width and height preserving original aspect ratio. If the current
// width and height are less than the max ones, it returns shouldResize = false.
func fitSize(bounds image.Rectangle, maxWidth, maxHeight int) (newWidth, newHeight int, shouldResize bool) {
	origWidth := bounds.Dx()
	origHeight := bounds.Dy()

	// Resizing is not required.
	if maxWidth >= origWidth && maxHeight >= origHeight {
		return 0, 0, false
	}

	// Preserve aspect ratio.
	newWidth, newHeight = maxWidth, origHeight*maxWidth/origWidth
	if newHeight > maxHeight {
		newWidth, newHeight = origWidth*maxHeight/origHeight, maxHeight
	}

	return max(newWidth, 1), max(newHeight, 1), true
}
