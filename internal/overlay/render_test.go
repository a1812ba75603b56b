package overlay

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rgbaAt(img image.Image, x, y int) (r, g, b, a uint32) {
	r, g, b, a = img.At(x, y).RGBA()
	return r >> 8, g >> 8, b >> 8, a >> 8
}

func TestRender_EmptyDrawsBorder(t *testing.T) {
	img, err := Render(200, 100, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 100), img.Bounds())

	r, g, b, a := rgbaAt(img, 1, 50)
	assert.Equal(t, []uint32{0, 255, 0, 255}, []uint32{r, g, b, a}, "left border is green")

	r, g, b, a = rgbaAt(img, 100, 98)
	assert.Equal(t, []uint32{0, 255, 0, 255}, []uint32{r, g, b, a}, "bottom border is green")

	_, _, _, a = rgbaAt(img, 100, 50)
	assert.Zero(t, a, "interior stays transparent")
}

func TestRender_StrokesRects(t *testing.T) {
	rects := []ScreenRect{
		{Left: 20, Top: 40, Width: 60, Height: 40, ColorClass: ClassCritical},
		{Left: 120, Top: 40, Width: 60, Height: 40, ColorClass: ClassMinor},
	}

	img, err := Render(200, 100, rects, DefaultPalette())
	require.NoError(t, err)

	r, g, b, a := rgbaAt(img, 20, 60)
	assert.Equal(t, []uint32{255, 0, 0, 255}, []uint32{r, g, b, a})

	r, g, b, a = rgbaAt(img, 180, 60)
	assert.Equal(t, []uint32{255, 255, 0, 255}, []uint32{r, g, b, a})

	_, _, _, a = rgbaAt(img, 50, 60)
	assert.Zero(t, a)

	_, _, _, a = rgbaAt(img, 1, 50)
	assert.Zero(t, a, "no border when detections exist")
}

func TestRenderPNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderPNG(&buf, 64, 32, []ScreenRect{{Left: 4, Top: 4, Width: 10, Height: 10, Label: "Minor Defect", Confidence: 0.5}}, nil))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 32, img.Bounds().Dy())
}

func TestRender_InvalidCanvas(t *testing.T) {
	_, err := Render(0, 10, nil, nil)
	assert.True(t, errors.Is(err, ErrInvalidDimensions))
}
