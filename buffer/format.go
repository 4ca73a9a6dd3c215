package buffer

import (
	"fmt"
	"math"
	"math/bits"
)

// Format is a DRM fourcc pixel format code
type Format uint32

func fourcc(a, b, c, d byte) Format {
	return Format(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	// 32bpp, memory order B G R X
	XRGB8888 = fourcc('X', 'R', '2', '4')
	// 32bpp, memory order B G R A
	ARGB8888 = fourcc('A', 'R', '2', '4')
	// 32bpp, memory order R G B X
	XBGR8888 = fourcc('X', 'B', '2', '4')
	// 32bpp, memory order R G B A
	ABGR8888 = fourcc('A', 'B', '2', '4')
	RGB565   = fourcc('R', 'G', '1', '6')
)

// Formats lists every known format
func Formats() []Format {
	return []Format{XRGB8888, ARGB8888, XBGR8888, ABGR8888, RGB565}
}

func (f Format) String() string {
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// BytesPerPixel returns 0 for unknown formats
func (f Format) BytesPerPixel() int {
	switch f {
	case XRGB8888, ARGB8888, XBGR8888, ABGR8888:
		return 4
	case RGB565:
		return 2
	default:
		return 0
	}
}

// Size returns the row pitch and total byte size of a tightly packed width x height image.
// ok is false for unknown formats, empty sizes and sizes that don't fit an int
func (f Format) Size(width, height int) (stride, size int, ok bool) {
	bpp := f.BytesPerPixel()
	if bpp == 0 || width <= 0 || height <= 0 {
		return 0, 0, false
	}
	hi, row := bits.Mul64(uint64(width), uint64(bpp))
	if hi != 0 || row > math.MaxInt {
		return 0, 0, false
	}
	hi, total := bits.Mul64(row, uint64(height))
	if hi != 0 || total > math.MaxInt {
		return 0, 0, false
	}
	return int(row), int(total), true
}

func (f Format) Known() bool {
	return f.BytesPerPixel() != 0
}

func (f Format) HasAlpha() bool {
	return f == ARGB8888 || f == ABGR8888
}

// SwappedRB reports whether red sits in the lowest byte (the XBGR/ABGR family)
func (f Format) SwappedRB() bool {
	return f == XBGR8888 || f == ABGR8888
}

// ParseFormat accepts either the fourcc ("XR24") or the long name ("XRGB8888")
func ParseFormat(name string) (Format, error) {
	for _, f := range Formats() {
		if name == f.String() || name == f.Name() {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown pixel format %q", name)
}

// Name returns the long DRM name of known formats
func (f Format) Name() string {
	switch f {
	case XRGB8888:
		return "XRGB8888"
	case ARGB8888:
		return "ARGB8888"
	case XBGR8888:
		return "XBGR8888"
	case ABGR8888:
		return "ABGR8888"
	case RGB565:
		return "RGB565"
	default:
		return f.String()
	}
}

// Modifier describes the memory layout (tiling, compression) of a buffer
type Modifier uint64

const (
	Linear Modifier = 0
	// No explicit modifier, the driver picks the layout
	Invalid Modifier = 0x00ffffffffffffff
)

const (
	vendorIntel = 0x01
	vendorAMD   = 0x02
)

func vendorModifier(vendor uint64, val uint64) Modifier {
	return Modifier(vendor<<56 | val&0x00ffffffffffffff)
}

var (
	IntelXTiled = vendorModifier(vendorIntel, 1)
	IntelYTiled = vendorModifier(vendorIntel, 2)
)

func (m Modifier) String() string {
	switch m {
	case Linear:
		return "LINEAR"
	case Invalid:
		return "INVALID"
	case IntelXTiled:
		return "I915_X_TILED"
	case IntelYTiled:
		return "I915_Y_TILED"
	default:
		return fmt.Sprintf("0x%016x", uint64(m))
	}
}
