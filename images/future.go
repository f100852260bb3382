package images

import (
	"context"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

// Future is the result of an image resolution. A nil bitmap with a nil error means that
// the image doesn't exist or its source is not supported.
type Future struct {
	done chan struct{}
	bmp  *imgcache.Bitmap
	err  error
}

func newFuture() *Future {
	return &Future{
		done: make(chan struct{}),
	}
}

func newResolvedFuture(bmp *imgcache.Bitmap, err error) *Future {
	f := newFuture()
	f.resolve(bmp, err)
	return f
}

// resolve must be called exactly once.
func (f *Future) resolve(bmp *imgcache.Bitmap, err error) {
	f.bmp = bmp
	f.err = err
	close(f.done)
}

// Done returns a channel that is closed when the result is ready.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait waits for the result with respect of the passed context.
func (f *Future) Wait(ctx context.Context) (*imgcache.Bitmap, error) {
	select {
	case <-f.done:
		return f.bmp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
