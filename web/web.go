package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShoshinNikita/imgcache/images"
	"github.com/ShoshinNikita/imgcache/imgcache"
	"github.com/ShoshinNikita/imgcache/pkg/rlog"
)

const (
	maxUploadSize = 32 << 20
	imageMaxAge   = 24 * time.Hour
)

type ImageService interface {
	Get(ctx context.Context, rawID string, opts images.Options) (*imgcache.Bitmap, error)
	Persist(img image.Image) (digest.Digest, error)
	ContentURI(dgst digest.Digest) (imgcache.Identifier, error)
	OpenIcon(ctx context.Context, rawID string) (rc io.ReadCloser, ext string, err error)
	IsAvailable(ctx context.Context, rawID string) bool
}

type PrefsStore interface {
	// CleanUp removes preferences of artifacts that no longer exist.
	CleanUp(ctx context.Context, exists func(rel string) bool) (removed int, err error)
}

type Server struct {
	httpServer *http.Server

	imageService   ImageService
	prefsStore     PrefsStore
	artifactExists func(rel string) bool
}

// NewServer creates a new server. artifactExists reports whether a downloaded image exists,
// it is used to clean up preferences.
func NewServer(cfg imgcache.Config, imageService ImageService, prefsStore PrefsStore, artifactExists func(rel string) bool) *Server {
	s := &Server{
		imageService:   imageService,
		prefsStore:     prefsStore,
		artifactExists: artifactExists,
	}

	mux := http.NewServeMux()

	// API
	mux.HandleFunc("GET /api/image", s.handleImage)
	mux.HandleFunc("POST /api/images", s.handleUploadImage)
	mux.HandleFunc("GET /api/resource", s.handleResource)
	mux.HandleFunc("GET /api/resource/available", s.handleResourceAvailable)
	mux.HandleFunc("POST /api/maintenance/cleanup", s.handleCleanup)

	// Debug
	mux.Handle("/debug/metrics", promhttp.Handler())

	handler := loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.ServerPort),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	rlog.Infof("start web server on %q", s.httpServer.Addr)

	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// handleImage resolves and encodes an image. Query params:
//
//   - id: image identifier
//   - resize: fit the image into the icon size, default false
//   - cache: use the memory and disk caches, default true
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	rawID := r.FormValue("id")
	if rawID == "" {
		writeBadRequestError(w, `"id" can't be empty`)
		return
	}
	resize, err := parseBoolParam(r, "resize", false)
	if err != nil {
		writeBadRequestError(w, "%s", err)
		return
	}
	useCache, err := parseBoolParam(r, "cache", true)
	if err != nil {
		writeBadRequestError(w, "%s", err)
		return
	}

	bmp, err := s.imageService.Get(r.Context(), rawID, images.Options{
		Cache:  useCache,
		Resize: resize,
	})
	switch {
	case errors.Is(err, imgcache.ErrInvalidIdentifier):
		writeBadRequestError(w, "%s", err)
		return
	case errors.Is(err, imgcache.ErrShutdown), errors.Is(err, imgcache.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, "%s", err)
		return
	case errors.Is(err, context.Canceled):
		// The client has gone.
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, "couldn't load image: %s", err)
		return
	case bmp == nil:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ext, contentType := responseFormat(bmp)

	buf := bytes.NewBuffer(nil)
	if err := imgcache.Encode(buf, bmp.Image, ext); err != nil {
		writeInternalServerError(w, "couldn't encode image: %s", err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	setCacheHeaders(w, imageMaxAge, digest.FromBytes(buf.Bytes()).Encoded())

	copyResponse(w, buf)
}

// responseFormat returns PNG for sources that can have transparency, JPEG otherwise.
func responseFormat(bmp *imgcache.Bitmap) (ext, contentType string) {
	switch bmp.Format {
	case "png", "gif", "webp", "resource":
		return ".png", "image/png"
	default:
		return ".jpg", "image/jpeg"
	}
}

// handleResource returns the saved icon of a local image or the image itself.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	rawID := r.FormValue("id")
	if rawID == "" {
		writeBadRequestError(w, `"id" can't be empty`)
		return
	}

	rc, ext, err := s.imageService.OpenIcon(r.Context(), rawID)
	switch {
	case errors.Is(err, imgcache.ErrInvalidIdentifier), errors.Is(err, imgcache.ErrUnsupported):
		writeBadRequestError(w, "%s", err)
		return
	case errors.Is(err, imgcache.ErrCacheMiss):
		writeError(w, http.StatusNotFound, "image not found")
		return
	case err != nil:
		writeInternalServerError(w, "couldn't open image: %s", err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", contentTypeByExt(ext))
	copyResponse(w, rc)
}

func (s *Server) handleResourceAvailable(w http.ResponseWriter, r *http.Request) {
	rawID := r.FormValue("id")
	if rawID == "" {
		writeBadRequestError(w, `"id" can't be empty`)
		return
	}

	writeJSON(w, AvailableResponse{
		Available: s.imageService.IsAvailable(r.Context(), rawID),
	})
}

func contentTypeByExt(ext string) string {
	switch ext {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	default:
		return "application/octet-stream"
	}
}

// handleUploadImage saves an encoded image to the content-addressed image dir.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxUploadSize)

	bmp, err := imgcache.Decode(body)
	if err != nil {
		writeBadRequestError(w, "invalid image: %s", err)
		return
	}

	dgst, err := s.imageService.Persist(bmp.Image)
	if err != nil {
		writeInternalServerError(w, "couldn't persist image: %s", err)
		return
	}
	uri, err := s.imageService.ContentURI(dgst)
	if err != nil {
		writeInternalServerError(w, "couldn't get image uri: %s", err)
		return
	}

	writeJSON(w, PersistResponse{
		Digest: dgst.String(),
		URI:    uri.String(),
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	// Use background context because cleanup must not be interrupted in the middle.
	ctx := context.Background()

	removed, err := s.prefsStore.CleanUp(ctx, s.artifactExists)
	if err != nil {
		writeInternalServerError(w, "couldn't clean up preferences: %s", err)
		return
	}
	rlog.Infof("removed %d orphaned preferences", removed)

	writeJSON(w, CleanupResponse{
		Removed: removed,
	})
}

func parseBoolParam(r *http.Request, name string, defaultValue bool) (bool, error) {
	raw := r.FormValue(name)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %q: %w", name, err)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		rlog.Errorf("couldn't encode response: %s", err)
	}
}

func copyResponse(w http.ResponseWriter, src io.Reader) {
	_, err := io.Copy(w, src)
	if err != nil {
		writeInternalServerError(w, "couldn't write response: %s", err)
	}
}

func writeBadRequestError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, format, a...)
}

func writeInternalServerError(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusInternalServerError, format, a...)
}

func writeError(w http.ResponseWriter, code int, format string, a ...any) {
	http.Error(w, fmt.Sprintf(format, a...), code)
}
