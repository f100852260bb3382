package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/ShoshinNikita/imgcache/images"
	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/cache"
	"github.com/ShoshinNikita/imgcache/pkg/prefs"
)

func TestServer_Image(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	path := filepath.Join(t.TempDir(), "a.png")
	writeTestImage(t, path, 1000, 500)

	t.Run("original", func(t *testing.T) {
		r := require.New(t)

		resp := doRequest(t, s, http.MethodGet, "/api/image?id="+url.QueryEscape(path), nil)
		r.Equal(http.StatusOK, resp.Code)
		r.Equal("image/png", resp.Header().Get("Content-Type"))
		r.NotEmpty(resp.Header().Get("ETag"))
		r.Equal("private, max-age=86400", resp.Header().Get("Cache-Control"))

		img, err := png.Decode(resp.Body)
		r.NoError(err)
		r.Equal(image.Rect(0, 0, 1000, 500), img.Bounds())
	})

	t.Run("resized", func(t *testing.T) {
		r := require.New(t)

		resp := doRequest(t, s, http.MethodGet, "/api/image?resize=1&id="+url.QueryEscape("file://"+path), nil)
		r.Equal(http.StatusOK, resp.Code)

		img, err := png.Decode(resp.Body)
		r.NoError(err)
		r.Equal(image.Rect(0, 0, 288, 144), img.Bounds())
	})

	t.Run("empty result", func(t *testing.T) {
		r := require.New(t)

		resp := doRequest(t, s, http.MethodGet, "/api/image?id="+url.QueryEscape("file:///not/exist.png"), nil)
		r.Equal(http.StatusNoContent, resp.Code)
		r.Empty(resp.Body.Bytes())
	})

	t.Run("bad requests", func(t *testing.T) {
		for _, query := range []string{
			"",
			"id=relative.png",
			"id=%2Fa.png&resize=maybe",
			"id=%2Fa.png&cache=maybe",
		} {
			resp := doRequest(t, s, http.MethodGet, "/api/image?"+query, nil)
			require.Equal(t, http.StatusBadRequest, resp.Code, query)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		resp := doRequest(t, s, http.MethodPost, "/api/image?id=%2Fa.png", nil)
		require.Equal(t, http.StatusMethodNotAllowed, resp.Code)
	})
}

func TestServer_ImageErrors(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		err      error
		wantCode int
	}{
		{err: fmt.Errorf("%w: 404", imgcache.ErrDownload), wantCode: http.StatusBadGateway},
		{err: fmt.Errorf("%w: eof", imgcache.ErrDecode), wantCode: http.StatusBadGateway},
		{err: imgcache.ErrShutdown, wantCode: http.StatusServiceUnavailable},
		{err: imgcache.ErrQueueFull, wantCode: http.StatusServiceUnavailable},
	} {
		t.Run(tt.err.Error(), func(t *testing.T) {
			r := require.New(t)

			s := NewServer(imgcache.Config{ServerPort: 8080}, &imageServiceStub{err: tt.err}, nil, nil)

			resp := doRequest(t, s, http.MethodGet, "/api/image?id=https%3A%2F%2Fhost%2Fimg.jpg", nil)
			r.Equal(tt.wantCode, resp.Code)
		})
	}

	t.Run("jpeg", func(t *testing.T) {
		r := require.New(t)

		bmp := imgcache.NewBitmap(image.NewRGBA(image.Rect(0, 0, 10, 10)), "jpeg")
		s := NewServer(imgcache.Config{ServerPort: 8080}, &imageServiceStub{bmp: bmp}, nil, nil)

		resp := doRequest(t, s, http.MethodGet, "/api/image?id=https%3A%2F%2Fhost%2Fimg.jpg", nil)
		r.Equal(http.StatusOK, resp.Code)
		r.Equal("image/jpeg", resp.Header().Get("Content-Type"))

		_, err := jpeg.Decode(resp.Body)
		r.NoError(err)
	})
}

func TestServer_Resource(t *testing.T) {
	t.Parallel()

	s, _, _ := newTestServer(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "a.png")
	writeTestImage(t, path, 1000, 500)

	t.Run("original", func(t *testing.T) {
		r := require.New(t)

		resp := doRequest(t, s, http.MethodGet, "/api/resource?id="+url.QueryEscape(path), nil)
		r.Equal(http.StatusOK, resp.Code)
		r.Equal("image/png", resp.Header().Get("Content-Type"))

		original, err := os.ReadFile(path)
		r.NoError(err)
		r.Equal(original, resp.Body.Bytes())
	})

	t.Run("icon", func(t *testing.T) {
		r := require.New(t)

		resp := doRequest(t, s, http.MethodGet, "/api/image?resize=true&id="+url.QueryEscape(path), nil)
		r.Equal(http.StatusOK, resp.Code)

		resp = doRequest(t, s, http.MethodGet, "/api/resource?id="+url.QueryEscape(path), nil)
		r.Equal(http.StatusOK, resp.Code)
		r.Equal("image/png", resp.Header().Get("Content-Type"))

		img, err := png.Decode(resp.Body)
		r.NoError(err)
		r.Equal(image.Rect(0, 0, 288, 144), img.Bounds())
	})

	t.Run("errors", func(t *testing.T) {
		for _, tt := range []struct {
			query    string
			wantCode int
		}{
			{query: "", wantCode: http.StatusBadRequest},
			{query: "id=relative.png", wantCode: http.StatusBadRequest},
			{query: "id=https%3A%2F%2Fhost%2Fimg.jpg", wantCode: http.StatusBadRequest},
			{query: "id=" + url.QueryEscape(filepath.Join(dir, "x.png")), wantCode: http.StatusNotFound},
		} {
			resp := doRequest(t, s, http.MethodGet, "/api/resource?"+tt.query, nil)
			require.Equal(t, tt.wantCode, resp.Code, tt.query)
		}
	})

	t.Run("available", func(t *testing.T) {
		for _, tt := range []struct {
			id   string
			want bool
		}{
			{id: path, want: true},
			{id: filepath.Join(dir, "x.png"), want: false},
			{id: "res://drawable/a", want: false},
		} {
			r := require.New(t)

			resp := doRequest(t, s, http.MethodGet, "/api/resource/available?id="+url.QueryEscape(tt.id), nil)
			r.Equal(http.StatusOK, resp.Code)

			var res AvailableResponse
			r.NoError(json.NewDecoder(resp.Body).Decode(&res))
			r.Equal(tt.want, res.Available, tt.id)
		}
	})
}

func TestServer_UploadImage(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, store, _ := newTestServer(t)

	buf := bytes.NewBuffer(nil)
	img := image.NewRGBA(image.Rect(0, 0, 40, 30))
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	r.NoError(png.Encode(buf, img))

	upload := func() PersistResponse {
		resp := doRequest(t, s, http.MethodPost, "/api/images", bytes.NewReader(buf.Bytes()))
		r.Equal(http.StatusOK, resp.Code, resp.Body.String())
		r.Equal("application/json", resp.Header().Get("Content-Type"))

		var res PersistResponse
		r.NoError(json.NewDecoder(resp.Body).Decode(&res))
		return res
	}

	first := upload()
	second := upload()
	r.Equal(first, second)

	dgst, err := digest.Parse(first.Digest)
	r.NoError(err)
	rel, err := store.ContentPathFromDigest(dgst)
	r.NoError(err)
	r.Equal(store.Images.URI(rel).String(), first.URI)

	resp := doRequest(t, s, http.MethodGet, "/api/image?id="+url.QueryEscape(first.URI), nil)
	r.Equal(http.StatusOK, resp.Code)
	r.Equal("image/jpeg", resp.Header().Get("Content-Type"))

	resp = doRequest(t, s, http.MethodPost, "/api/images", bytes.NewReader([]byte("hello world")))
	r.Equal(http.StatusBadRequest, resp.Code)
}

func TestServer_Cleanup(t *testing.T) {
	t.Parallel()

	r := require.New(t)

	s, store, prefsStore := newTestServer(t)

	const existing = "a/abc.jpg"
	r.NoError(store.Images.Write(existing, bytes.NewReader([]byte("image"))))

	r.NoError(prefsStore.For(existing).Set(t.Context(), "etag", "123"))
	r.NoError(prefsStore.For("abc/def.jpg").Set(t.Context(), "maxAge", "1h"))

	resp := doRequest(t, s, http.MethodPost, "/api/maintenance/cleanup", nil)
	r.Equal(http.StatusOK, resp.Code)

	var res CleanupResponse
	r.NoError(json.NewDecoder(resp.Body).Decode(&res))
	r.Equal(1, res.Removed)

	keys, err := prefsStore.Keys(t.Context())
	r.NoError(err)
	r.Equal([]string{existing + "#etag"}, keys)
}

func newTestServer(t *testing.T) (*Server, *cache.Store, *prefs.Store) {
	t.Helper()

	r := require.New(t)

	store, err := cache.NewStore(t.TempDir(), cache.Options{DisableCleaner: true})
	r.NoError(err)

	prefsStore, err := prefs.NewStore(t.Context(), "")
	r.NoError(err)

	service := images.NewService(store, cache.NewMemoryCache(0), cache.NewNegativeCache(10, time.Hour), prefsStore, images.Collaborators{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, service.Shutdown(ctx))
	})

	s := NewServer(imgcache.Config{ServerPort: 8080}, service, prefsStore, store.Images.Exists)
	return s, store, prefsStore
}

func doRequest(t *testing.T, s *Server, method, target string, body *bytes.Reader) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != nil {
		req = httptest.NewRequestWithContext(t.Context(), method, target, body)
	} else {
		req = httptest.NewRequestWithContext(t.Context(), method, target, nil)
	}

	w := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func writeTestImage(t *testing.T, path string, width, height int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, width, height))))
}

type imageServiceStub struct {
	bmp *imgcache.Bitmap
	err error
}

func (s *imageServiceStub) Get(context.Context, string, images.Options) (*imgcache.Bitmap, error) {
	return s.bmp, s.err
}

func (*imageServiceStub) Persist(image.Image) (digest.Digest, error) {
	return "", nil
}

func (*imageServiceStub) ContentURI(digest.Digest) (imgcache.Identifier, error) {
	return imgcache.Identifier{}, nil
}

func (*imageServiceStub) OpenIcon(context.Context, string) (io.ReadCloser, string, error) {
	return nil, "", imgcache.ErrCacheMiss
}

func (*imageServiceStub) IsAvailable(context.Context, string) bool {
	return false
}
