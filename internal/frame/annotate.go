package frame

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	// Green marks accepted matches and the metrics overlay.
	Green = color.RGBA{G: 0xff, A: 0xff}
	// Red marks unknown faces.
	Red = color.RGBA{R: 0xff, A: 0xff}
)

// BoxThickness is the stroke width of face boxes.
const BoxThickness = 2

// DrawBox strokes the outline of r, clipped to the frame.
func (f *Frame) DrawBox(r image.Rectangle, c color.Color, thickness int) {
	r = r.Canon()
	if thickness < 1 {
		thickness = 1
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X - t; x <= r.Max.X+t; x++ {
			f.Set(x, r.Min.Y-t, c)
			f.Set(x, r.Max.Y+t, c)
		}
		for y := r.Min.Y - t; y <= r.Max.Y+t; y++ {
			f.Set(r.Min.X-t, y, c)
			f.Set(r.Max.X+t, y, c)
		}
	}
}

// DrawLabel writes text with its baseline at (x, y). The baseline is pulled down
// so labels above a box at the top edge stay visible.
func (f *Frame) DrawLabel(x, y int, text string, c color.Color) {
	face := basicfont.Face7x13
	if y < face.Ascent {
		y = face.Ascent
	}
	d := &font.Drawer{
		Dst:  f,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// DrawOverlay stacks status lines in the top-left corner, 20px apart.
func (f *Frame) DrawOverlay(lines ...string) {
	for i, line := range lines {
		f.DrawLabel(10, 20*(i+1), line, Green)
	}
}
