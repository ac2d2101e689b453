package overlay

import (
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/facecam/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	shown int
	err   error
}

func (c *captureSink) Show(frame *image.RGBA) error {
	c.shown++
	return c.err
}

func isRed(c color.RGBA) bool { return c.R == 255 && c.G == 0 && c.B == 0 }

func TestRender_ScalesBoxesByFour(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 640, 480))
	sink := &captureSink{}
	r := New(4, sink)

	// Detection-space box (40x40 at 10,10) becomes 160x160 at 40,40
	box := types.Box{Top: 10, Right: 50, Bottom: 50, Left: 10}
	require.NoError(t, r.Render(frame, []types.Labeled{{Box: box, Label: "Alice"}}))
	assert.Equal(t, 1, sink.shown)

	assert.True(t, isRed(frame.RGBAAt(40, 40)), "top-left corner at scaled coordinates")
	assert.True(t, isRed(frame.RGBAAt(199, 100)), "right edge at scaled coordinates")
	assert.True(t, isRed(frame.RGBAAt(41, 190)), "strip at the bottom of the box")
	assert.False(t, isRed(frame.RGBAAt(100, 100)), "box interior stays untouched")
	assert.False(t, isRed(frame.RGBAAt(10, 10)), "unscaled corner stays untouched")
	assert.False(t, isRed(frame.RGBAAt(120, 150)), "above the strip stays untouched")

	// Some white label pixels inside the strip
	white := 0
	for y := 165; y < 200; y++ {
		for x := 40; x < 200; x++ {
			if c := frame.RGBAAt(x, y); c.R == 255 && c.G == 255 && c.B == 255 {
				white++
			}
		}
	}
	assert.Positive(t, white)
}

func TestRender_ClipsToFrame(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))
	r := New(4, nil)

	// Extends far past the bottom-right corner
	box := types.Box{Top: 20, Right: 60, Bottom: 60, Left: 20}
	assert.NotPanics(t, func() {
		require.NoError(t, r.Render(frame, []types.Labeled{{Box: box, Label: "Bob"}}))
	})
	assert.True(t, isRed(frame.RGBAAt(80, 80)))

	// Entirely outside
	assert.NotPanics(t, func() {
		Draw(frame, types.Box{Top: 500, Right: 600, Bottom: 600, Left: 500}, "Nobody")
	})
}

func TestRender_NoLabelsStillShows(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 10, 10))
	sink := &captureSink{}
	require.NoError(t, New(0, sink).Render(frame, nil))
	assert.Equal(t, 1, sink.shown)
	assert.Equal(t, color.RGBA{}, frame.RGBAAt(5, 5))
}

func TestRender_SinkErrorPropagates(t *testing.T) {
	sink := &captureSink{err: errors.New("window closed")}
	err := New(4, sink).Render(image.NewRGBA(image.Rect(0, 0, 4, 4)), nil)
	assert.EqualError(t, err, "window closed")
}
