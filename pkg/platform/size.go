// Package platform provides default implementations of rendering and sizing collaborators.
package platform

import "github.com/ShoshinNikita/imgcache/imgcache"

// FixedIconSize is an icon size set by the user.
type FixedIconSize int

var _ imgcache.IconSizer = FixedIconSize(0)

func (s FixedIconSize) IconSize() int {
	return int(s)
}

// DensityIconSize derives the icon size from the display density.
type DensityIconSize struct {
	dpi int
}

func NewDensityIconSize(dpi int) DensityIconSize {
	return DensityIconSize{dpi: dpi}
}

// IconSize returns 3x the size of a small icon of the density bucket.
func (s DensityIconSize) IconSize() int {
	return 3 * smallIconSize(s.dpi)
}

func smallIconSize(dpi int) int {
	switch {
	case dpi <= 120:
		return 32
	case dpi <= 160:
		return 48
	case dpi <= 240:
		return 72
	case dpi <= 320:
		return 96
	case dpi <= 480:
		return 144
	default:
		return 192
	}
}

// NewIconSizer returns [FixedIconSize] if size is positive and [DensityIconSize] otherwise.
func NewIconSizer(size, dpi int) imgcache.IconSizer {
	if size > 0 {
		return FixedIconSize(size)
	}
	return NewDensityIconSize(dpi)
}
