package imgcache

import (
	"fmt"
	"net/url"
	pkgPath "path"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Scheme is the kind of an image source. It is resolved once per request.
type Scheme int

const (
	SchemeUnknown Scheme = iota
	SchemeFile
	SchemeResource
	SchemeContent
	SchemeNetwork
	// SchemeVirtual is assigned to identifiers whose scheme is supported by [VFSResolver].
	SchemeVirtual
)

func (s Scheme) String() string {
	switch s {
	case SchemeFile:
		return "file"
	case SchemeResource:
		return "resource"
	case SchemeContent:
		return "content"
	case SchemeNetwork:
		return "network"
	case SchemeVirtual:
		return "virtual"
	default:
		return "unknown"
	}
}

// Identifier is an image source: local file, platform resource, platform content, network
// address or virtual filesystem path.
type Identifier struct {
	raw    string
	scheme string // lower case, empty if none
}

// ParseIdentifier returns a new [Identifier]. The passed string is normalized to NFC.
// Absolute paths without a scheme are converted to file URIs.
func ParseIdentifier(raw string) (Identifier, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Identifier{}, fmt.Errorf("%w: empty string", ErrInvalidIdentifier)
	}
	raw = norm.NFC.String(raw)

	scheme := parseScheme(raw)
	if scheme == "" {
		if !strings.HasPrefix(raw, "/") {
			return Identifier{}, fmt.Errorf("%w: no scheme: %q", ErrInvalidIdentifier, raw)
		}
		return FileIdentifier(raw), nil
	}
	return Identifier{raw: raw, scheme: scheme}, nil
}

// MustParseIdentifier is like [ParseIdentifier] but panics on error.
func MustParseIdentifier(raw string) Identifier {
	id, err := ParseIdentifier(raw)
	if err != nil {
		panic(err)
	}
	return id
}

// FileIdentifier returns a file identifier for an absolute filepath.
func FileIdentifier(absPath string) Identifier {
	u := url.URL{Scheme: "file", Path: absPath}
	return Identifier{raw: u.String(), scheme: "file"}
}

// parseScheme returns a lower-cased scheme as defined by RFC 3986:
// ALPHA *( ALPHA / DIGIT / "+" / "-" / "." ) followed by ':'.
func parseScheme(raw string) string {
	for i, r := range raw {
		switch {
		case 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z':
			// Ok
		case i > 0 && ('0' <= r && r <= '9' || r == '+' || r == '-' || r == '.'):
			// Ok
		case i > 0 && r == ':':
			return strings.ToLower(raw[:i])
		default:
			return ""
		}
	}
	return ""
}

func (id Identifier) String() string {
	return id.raw
}

// Scheme returns the lower-cased scheme name, for example "https".
func (id Identifier) Scheme() string {
	return id.scheme
}

// Kind returns the built-in source kind. Schemes unknown to the package are reported as
// [SchemeUnknown], the caller may treat them as virtual.
func (id Identifier) Kind() Scheme {
	switch id.scheme {
	case "file":
		return SchemeFile
	case "res", "android.resource":
		return SchemeResource
	case "content":
		return SchemeContent
	case "http", "https":
		return SchemeNetwork
	default:
		return SchemeUnknown
	}
}

// IsNetwork reports whether the image is fetched over the network.
func (id Identifier) IsNetwork() bool {
	return id.Kind() == SchemeNetwork
}

// Host returns the authority part, if any.
func (id Identifier) Host() string {
	u, err := url.Parse(id.raw)
	if err != nil {
		return ""
	}
	return u.Host
}

// Path returns the unescaped path. For opaque identifiers ("rclone:dir/1.jpg") it returns
// everything after the scheme.
func (id Identifier) Path() string {
	u, err := url.Parse(id.raw)
	if err != nil {
		rest := strings.TrimPrefix(id.raw[len(id.scheme)+1:], "//")
		if i := strings.IndexAny(rest, "?#"); i != -1 {
			rest = rest[:i]
		}
		return rest
	}
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Path
}

// Ext returns the image extension in lower case with leading dot (.jpg). It returns an
// empty string if the extension is not a known image extension.
func (id Identifier) Ext() string {
	ext := strings.ToLower(pkgPath.Ext(id.Path()))
	if _, ok := imageExts[ext]; ok {
		return ext
	}
	return ""
}

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
	".bmp":  {},
}
