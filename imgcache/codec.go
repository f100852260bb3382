package imgcache

import (
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/bmp"
	_ "golang.org/x/image/webp" // register webp decoder
)

// JPEGQuality is the quality of encoded icons and persisted images.
const JPEGQuality = 100

// Decode decodes an image of any registered format. Errors wrap [ErrDecode].
func Decode(r io.Reader) (*Bitmap, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return NewBitmap(img, format), nil
}

// Encode encodes an image in the format matching the extension. JPEG is used for
// extensions without an encoder.
func Encode(w io.Writer, img image.Image, ext string) error {
	switch ext {
	case ".png":
		return png.Encode(w, img)
	case ".gif":
		return gif.Encode(w, img, nil)
	case ".bmp":
		return bmp.Encode(w, img)
	default:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: JPEGQuality})
	}
}
