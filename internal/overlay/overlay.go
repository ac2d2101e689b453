// Package overlay draws identification boxes and names onto camera frames.
package overlay

import (
	"image"
	"image/color"

	"github.com/andresmejia3/facecam/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	borderWidth = 2
	stripHeight = 35
	textInset   = 6
)

var (
	boxColor  = color.RGBA{R: 255, A: 255}
	textColor = color.White
)

// DisplaySink shows a finished frame.
type DisplaySink interface {
	Show(frame *image.RGBA) error
}

// Renderer scales boxes from detection space back to frame space before drawing.
type Renderer struct {
	Scale int
	Sink  DisplaySink
}

// New returns a Renderer; scale < 1 is treated as 1.
func New(scale int, sink DisplaySink) *Renderer {
	if scale < 1 {
		scale = 1
	}
	return &Renderer{Scale: scale, Sink: sink}
}

// Render draws every label onto frame and hands it to the sink.
func (r *Renderer) Render(frame *image.RGBA, labels []types.Labeled) error {
	for _, l := range labels {
		Draw(frame, l.Box.Scale(r.Scale), l.Label)
	}
	if r.Sink == nil {
		return nil
	}
	return r.Sink.Show(frame)
}

// Draw renders one box in frame coordinates: outline, a filled strip at the bottom
// and the label in that strip. Everything is clipped to the frame.
func Draw(frame *image.RGBA, box types.Box, label string) {
	bounds := frame.Bounds()
	rect := box.Rect().Canon()
	if rect.Intersect(bounds).Empty() {
		return
	}
	red := image.NewUniform(boxColor)

	edges := []image.Rectangle{
		image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+borderWidth),
		image.Rect(rect.Min.X, rect.Max.Y-borderWidth, rect.Max.X, rect.Max.Y),
		image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+borderWidth, rect.Max.Y),
		image.Rect(rect.Max.X-borderWidth, rect.Min.Y, rect.Max.X, rect.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(frame, e.Intersect(bounds), red, image.Point{}, draw.Src)
	}

	strip := image.Rect(rect.Min.X, rect.Max.Y-stripHeight, rect.Max.X, rect.Max.Y)
	draw.Draw(frame, strip.Intersect(bounds), red, image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  frame,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(rect.Min.X+textInset, rect.Max.Y-textInset),
	}
	d.DrawString(label)
}
