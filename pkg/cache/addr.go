package cache

import (
	_ "crypto/sha256" // register digest.SHA256
	pkgPath "path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/ShoshinNikita/imgcache/imgcache"
)

const (
	defaultImageExt   = ".img"
	defaultIconExt    = ".jpg"
	ContentExt        = ".jpg"
	digestAlgorithm   = digest.SHA256
	shardPrefixLength = 1
)

// Addressor maps cache keys and content to slash-separated paths relative to the icon and
// image dirs. All paths have pattern '<shard>/.../<hex digest><ext>', where shard is the
// first hex character of the digest, so every dir holds ~1/16 of all files.
type Addressor struct {
	iconsDir  string
	imagesDir string
}

// NewAddressor expects absolute dirs. They are used only to detect identifiers that
// already point to cached files.
func NewAddressor(iconsDir, imagesDir string) Addressor {
	return Addressor{
		iconsDir:  filepath.Clean(iconsDir),
		imagesDir: filepath.Clean(imagesDir),
	}
}

// ImagePath returns the path of an original image: '<shard>/<sha256(id)><ext>'.
func (a Addressor) ImagePath(id imgcache.Identifier) string {
	ext := id.Ext()
	if ext == "" {
		ext = defaultImageExt
	}
	return shardedPath(hashString(id.String()), ext)
}

// IconPath returns the path of an icon: '<shard>/<size>/<sha256(id)><ext>'. If the identifier
// points to a file in one of the cache dirs, its hashed name is reused, so icons of cached
// images are addressed by the same digest.
func (a Addressor) IconPath(id imgcache.Identifier, size int) string {
	sizeDir := strconv.Itoa(size)

	if shard, name, ok := a.cachedFileName(id); ok {
		return pkgPath.Join(shard, sizeDir, name)
	}

	ext := id.Ext()
	if ext == "" {
		ext = defaultIconExt
	}
	hex := hashString(id.String())
	return pkgPath.Join(hex[:shardPrefixLength], sizeDir, hex+ext)
}

// ContentPath returns the path of an image addressed by its encoded content.
func (a Addressor) ContentPath(data []byte) (path string, dgst digest.Digest) {
	dgst = digestAlgorithm.FromBytes(data)
	return shardedPath(dgst.Encoded(), ContentExt), dgst
}

// ContentPathFromDigest returns the same path as [Addressor.ContentPath] for a known digest.
func (a Addressor) ContentPathFromDigest(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", err
	}
	return shardedPath(dgst.Encoded(), ContentExt), nil
}

// cachedFileName returns shard and filename of a file in the image or icon dir.
func (a Addressor) cachedFileName(id imgcache.Identifier) (shard, name string, ok bool) {
	if id.Kind() != imgcache.SchemeFile {
		return "", "", false
	}
	path := filepath.Clean(filepath.FromSlash(id.Path()))

	for _, dir := range []string{a.imagesDir, a.iconsDir} {
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 2 {
			continue
		}
		shard, name = parts[0], parts[len(parts)-1]
		if len(shard) != shardPrefixLength || !strings.HasPrefix(name, shard) {
			continue
		}
		return shard, name, true
	}
	return "", "", false
}

func hashString(s string) string {
	return digestAlgorithm.FromString(s).Encoded()
}

func shardedPath(hex, ext string) string {
	return hex[:shardPrefixLength] + "/" + hex + ext
}
