package overlay

import (
	"fmt"
	"image"
	"io"
	"math"

	"github.com/fogleman/gg"
)

// StrokeWidth is the outline width of every drawn rectangle
const StrokeWidth = 4.0

// Render paints rects on a transparent width x height canvas. An empty rect
// list paints a full-frame border in the ok color instead.
func Render(width, height int, rects []ScreenRect, palette *Palette) (image.Image, error) {
	dc, err := draw(width, height, rects, palette)
	if err != nil {
		return nil, err
	}
	return dc.Image(), nil
}

// RenderPNG renders like Render and writes the result as PNG
func RenderPNG(w io.Writer, width, height int, rects []ScreenRect, palette *Palette) error {
	dc, err := draw(width, height, rects, palette)
	if err != nil {
		return err
	}
	return dc.EncodePNG(w)
}

func draw(width, height int, rects []ScreenRect, palette *Palette) (*gg.Context, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: canvas %dx%d", ErrInvalidDimensions, width, height)
	}
	if palette == nil {
		palette = DefaultPalette()
	}

	dc := gg.NewContext(width, height)
	dc.SetLineWidth(StrokeWidth)

	if len(rects) == 0 {
		half := StrokeWidth / 2
		dc.SetColor(palette.Color(ClassOK))
		dc.DrawRectangle(half, half, float64(width)-StrokeWidth, float64(height)-StrokeWidth)
		dc.Stroke()
		return dc, nil
	}

	for _, r := range rects {
		dc.SetColor(palette.Color(r.ColorClass))
		dc.DrawRectangle(r.Left, r.Top, r.Width, r.Height)
		dc.Stroke()

		if r.Label != "" {
			text := fmt.Sprintf("%s %.0f%%", r.Label, r.Confidence*100)
			dc.DrawString(text, r.Left, math.Max(r.Top-StrokeWidth, dc.FontHeight()))
		}
	}
	return dc, nil
}
