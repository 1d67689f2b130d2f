// Package frame holds the BGR24 frame buffer that flows through the recognition pipeline.
//
// Cameras and ffmpeg's raw output deliver blue-green-red byte order. Frame keeps that order in memory and
// converts to RGB only at the edges that need it (face engines, JPEG encoding, scaling).
package frame

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

const bytesPerPixel = 3

// Frame is a BGR24 image. It implements draw.Image so the standard drawing packages can paint on it.
type Frame struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// New allocates a black frame of the given size.
func New(width, height int) *Frame {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Frame{
		Pix:    make([]byte, width*height*bytesPerPixel),
		Stride: width * bytesPerPixel,
		Rect:   image.Rect(0, 0, width, height),
	}
}

// Width of the frame in pixels.
func (f *Frame) Width() int { return f.Rect.Dx() }

// Height of the frame in pixels.
func (f *Frame) Height() int { return f.Rect.Dy() }

// Empty reports whether the frame has no pixels.
func (f *Frame) Empty() bool { return f == nil || f.Rect.Empty() }

func (f *Frame) ColorModel() color.Model { return color.RGBAModel }

func (f *Frame) Bounds() image.Rectangle { return f.Rect }

// PixOffset returns the index of the first byte (blue) of the pixel at (x, y).
func (f *Frame) PixOffset(x, y int) int {
	return (y-f.Rect.Min.Y)*f.Stride + (x-f.Rect.Min.X)*bytesPerPixel
}

func (f *Frame) At(x, y int) color.Color {
	if !image.Pt(x, y).In(f.Rect) {
		return color.RGBA{}
	}
	i := f.PixOffset(x, y)
	return color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 0xff}
}

func (f *Frame) Set(x, y int, c color.Color) {
	if !image.Pt(x, y).In(f.Rect) {
		return
	}
	rgba := color.RGBAModel.Convert(c).(color.RGBA)
	i := f.PixOffset(x, y)
	f.Pix[i] = rgba.B
	f.Pix[i+1] = rgba.G
	f.Pix[i+2] = rgba.R
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := New(f.Width(), f.Height())
	for y := 0; y < f.Height(); y++ {
		src := f.PixOffset(f.Rect.Min.X, f.Rect.Min.Y+y)
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], f.Pix[src:src+out.Stride])
	}
	return out
}

// Crop copies the part of the frame inside r into a new frame anchored at (0, 0).
// It returns nil when r does not overlap the frame.
func (f *Frame) Crop(r image.Rectangle) *Frame {
	r = r.Intersect(f.Rect)
	if r.Empty() {
		return nil
	}
	out := New(r.Dx(), r.Dy())
	for y := 0; y < r.Dy(); y++ {
		src := f.PixOffset(r.Min.X, r.Min.Y+y)
		copy(out.Pix[y*out.Stride:(y+1)*out.Stride], f.Pix[src:src+out.Stride])
	}
	return out
}

// RGB converts the frame to an RGBA image. This is the only place the channel order is swapped.
func (f *Frame) RGB() *image.RGBA {
	w, h := f.Width(), f.Height()
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		src := f.PixOffset(f.Rect.Min.X, f.Rect.Min.Y+y)
		dst := y * out.Stride
		for x := 0; x < w; x++ {
			out.Pix[dst] = f.Pix[src+2]
			out.Pix[dst+1] = f.Pix[src+1]
			out.Pix[dst+2] = f.Pix[src]
			out.Pix[dst+3] = 0xff
			src += bytesPerPixel
			dst += 4
		}
	}
	return out
}

// FromImage converts any decoded image into a BGR frame anchored at (0, 0).
func FromImage(img image.Image) *Frame {
	rgba, ok := img.(*image.RGBA)
	if !ok || rgba.Rect.Min != (image.Point{}) {
		b := img.Bounds()
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	}
	w, h := rgba.Rect.Dx(), rgba.Rect.Dy()
	out := New(w, h)
	for y := 0; y < h; y++ {
		src := y * rgba.Stride
		dst := y * out.Stride
		for x := 0; x < w; x++ {
			out.Pix[dst] = rgba.Pix[src+2]
			out.Pix[dst+1] = rgba.Pix[src+1]
			out.Pix[dst+2] = rgba.Pix[src]
			src += 4
			dst += bytesPerPixel
		}
	}
	return out
}

// Resize scales the frame to width x height. A frame that already has that size is returned as is.
func (f *Frame) Resize(width, height int) *Frame {
	if f.Width() == width && f.Height() == height {
		return f
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(dst, dst.Rect, f.RGB(), image.Rect(0, 0, f.Width(), f.Height()), xdraw.Src, nil)
	return FromImage(dst)
}
