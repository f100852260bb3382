package imgcache

import (
	"context"
	"errors"
	"image"
	"image/color"
	"time"
)

var (
	ErrCacheMiss         = errors.New("cache miss")
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrUnsupported       = errors.New("unsupported identifier")
	ErrDecode            = errors.New("couldn't decode image")
	ErrDownload          = errors.New("couldn't download image")
	ErrShutdown          = errors.New("service is shut down")
	ErrQueueFull         = errors.New("too many queued images")
)

// Bitmap is a decoded image. Bitmaps are shared by pointer: the memory cache keeps only
// weak references, so a bitmap lives as long as somebody else holds it.
type Bitmap struct {
	image.Image

	// Format is the name of the source format, for example "jpeg" or "png".
	Format string
}

func NewBitmap(img image.Image, format string) *Bitmap {
	return &Bitmap{
		Image:  img,
		Format: format,
	}
}

// Size returns the width and height of the bitmap.
func (b *Bitmap) Size() (width, height int) {
	bounds := b.Bounds()
	return bounds.Dx(), bounds.Dy()
}

type DownloadState int

const (
	// DownloadFresh means the file was downloaded or the existing copy is not older than max age.
	DownloadFresh DownloadState = iota + 1
	// DownloadStale means the download failed, but a previously downloaded copy exists.
	DownloadStale
)

func (s DownloadState) String() string {
	switch s {
	case DownloadFresh:
		return "fresh"
	case DownloadStale:
		return "stale"
	default:
		return "unknown"
	}
}

// DownloadStatus describes a file downloaded by [Downloader]. The file at Path is always
// complete.
type DownloadStatus struct {
	Path    string
	State   DownloadState
	ModTime time.Time
}

// Preferences are per-artifact settings used by [Downloader].
type Preferences interface {
	// MaxAge defines how long a downloaded file is considered fresh.
	MaxAge() time.Duration
	// Get returns an empty string if the setting is not set.
	Get(ctx context.Context, name string) (string, error)
	// Set removes the setting if the value is empty.
	Set(ctx context.Context, name, value string) error
}

// Downloader fetches a remote file to dst. On failure it returns an error that wraps
// [ErrDownload], unless an existing copy could be returned.
type Downloader interface {
	Download(ctx context.Context, rawURL, dst string, prefs Preferences) (*DownloadStatus, error)
}

// ResourceRef is a platform resource, for example "res://drawable/folder".
type ResourceRef struct {
	Type string
	Name string
}

// Rasterizer renders resources that have no inherent raster form. It returns nil image
// and nil error if the resource doesn't exist.
type Rasterizer interface {
	Rasterize(ctx context.Context, ref ResourceRef, background, foreground color.Color) (image.Image, error)
}

// Thumbnailer loads thumbnails of platform-indexed content. The result must already fit
// into size x size. It returns nil image and nil error if the content doesn't exist.
type Thumbnailer interface {
	LoadThumbnail(ctx context.Context, id Identifier, size int) (image.Image, error)
}

// VFSResolver maps virtual filesystem identifiers to network identifiers.
type VFSResolver interface {
	IsSupportedScheme(scheme string) bool
	// ToFetchable returns an error that wraps [ErrUnsupported] if the identifier can't
	// be fetched.
	ToFetchable(id Identifier) (Identifier, error)
}

// IconSizer returns the target size of icons in pixels.
type IconSizer interface {
	IconSize() int
}
