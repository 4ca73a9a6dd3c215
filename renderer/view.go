package renderer

import (
	"image"
	"image/color"

	"github.com/mstarongithub/w2gcore/buffer"
	"golang.org/x/image/draw"
)

// pixelView exposes buffer memory as a draw.Image in whatever layout the format uses
type pixelView struct {
	pix    []byte
	stride int
	rect   image.Rectangle
	format buffer.Format
	bpp    int
}

// View returns a draw.Image over the pixels of b, nil if b has no CPU mapping
func View(b *buffer.Buffer) draw.Image {
	mem := b.Memory()
	if mem == nil {
		return nil
	}
	pix := mem.Pixels()
	bpp := b.Format.BytesPerPixel()
	// Stride*Height may not fit an int
	if pix == nil || bpp == 0 || b.Stride <= 0 || b.Width > b.Stride/bpp || b.Height > len(pix)/b.Stride {
		return nil
	}
	rect := image.Rect(0, 0, b.Width, b.Height)
	if b.Format == buffer.ABGR8888 {
		// Same byte order as image.RGBA, let draw take its fast paths
		return &image.RGBA{Pix: pix, Stride: b.Stride, Rect: rect}
	}
	return &pixelView{pix: pix, stride: b.Stride, rect: rect, format: b.Format, bpp: bpp}
}

func (v *pixelView) ColorModel() color.Model { return color.RGBAModel }
func (v *pixelView) Bounds() image.Rectangle { return v.rect }

func (v *pixelView) At(x, y int) color.Color {
	if !image.Pt(x, y).In(v.rect) {
		return color.RGBA{}
	}
	p := v.pix[y*v.stride+x*v.bpp:]
	switch v.format {
	case buffer.XRGB8888:
		return color.RGBA{R: p[2], G: p[1], B: p[0], A: 0xff}
	case buffer.ARGB8888:
		return color.RGBA{R: p[2], G: p[1], B: p[0], A: p[3]}
	case buffer.XBGR8888:
		return color.RGBA{R: p[0], G: p[1], B: p[2], A: 0xff}
	case buffer.ABGR8888:
		return color.RGBA{R: p[0], G: p[1], B: p[2], A: p[3]}
	case buffer.RGB565:
		px := uint16(p[0]) | uint16(p[1])<<8
		r, g, b := uint8(px>>11), uint8(px>>5)&0x3f, uint8(px)&0x1f
		return color.RGBA{R: r<<3 | r>>2, G: g<<2 | g>>4, B: b<<3 | b>>2, A: 0xff}
	}
	return color.RGBA{}
}

func (v *pixelView) Set(x, y int, c color.Color) {
	if !image.Pt(x, y).In(v.rect) {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	p := v.pix[y*v.stride+x*v.bpp:]
	switch v.format {
	case buffer.XRGB8888, buffer.ARGB8888:
		p[0], p[1], p[2], p[3] = rgba.B, rgba.G, rgba.R, rgba.A
		if v.format == buffer.XRGB8888 {
			p[3] = 0xff
		}
	case buffer.XBGR8888, buffer.ABGR8888:
		p[0], p[1], p[2], p[3] = rgba.R, rgba.G, rgba.B, rgba.A
		if v.format == buffer.XBGR8888 {
			p[3] = 0xff
		}
	case buffer.RGB565:
		px := uint16(rgba.R>>3)<<11 | uint16(rgba.G>>2)<<5 | uint16(rgba.B>>3)
		p[0], p[1] = byte(px), byte(px>>8)
	}
}
