package overlay

import (
	"errors"
	"fmt"

	"github.com/vzahanych/defect-overlay/internal/ai"
)

// ErrInvalidDimensions is returned when the reference image or the surface has a zero size
var ErrInvalidDimensions = errors.New("invalid dimensions")

// Transform is the axis permutation between the submitted image and the
// render surface. Rotation turns the image clockwise by a quarter-turn
// multiple; mirroring is applied afterwards, in surface space.
type Transform struct {
	Rotation int  `json:"rotation"`
	MirrorX  bool `json:"mirror_x"`
	MirrorY  bool `json:"mirror_y"`
}

// Validate checks that Rotation is a quarter turn
func (t Transform) Validate() error {
	switch t.Rotation {
	case 0, 90, 180, 270:
		return nil
	}
	return fmt.Errorf("transform rotation must be 0, 90, 180 or 270, got: %d", t.Rotation)
}

// ScreenRect is a detection remapped into surface pixels
type ScreenRect struct {
	Left       float64    `json:"left"`
	Top        float64    `json:"top"`
	Width      float64    `json:"width"`
	Height     float64    `json:"height"`
	ColorClass ColorClass `json:"color_class"`
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
}

// Map projects every detection in set onto a surfaceW x surfaceH surface.
//
// Boxes are normalized against the set's image dimensions, permuted by t in
// the unit square and scaled by the surface dimensions independently on each
// axis. An empty slice and ErrInvalidDimensions are returned when either the
// reference image or the surface has a non-positive size.
func Map(set ai.DetectionSet, surfaceW, surfaceH int, t Transform) ([]ScreenRect, error) {
	if set.ImageWidth <= 0 || set.ImageHeight <= 0 {
		return []ScreenRect{}, fmt.Errorf("%w: reference image %dx%d", ErrInvalidDimensions, set.ImageWidth, set.ImageHeight)
	}
	if surfaceW <= 0 || surfaceH <= 0 {
		return []ScreenRect{}, fmt.Errorf("%w: surface %dx%d", ErrInvalidDimensions, surfaceW, surfaceH)
	}
	if err := t.Validate(); err != nil {
		return []ScreenRect{}, err
	}

	iw, ih := float64(set.ImageWidth), float64(set.ImageHeight)
	sw, sh := float64(surfaceW), float64(surfaceH)

	rects := make([]ScreenRect, 0, len(set.Detections))
	for _, d := range set.Detections {
		left, top, _, _ := d.Bounds()
		u, v, w, h := permute(left/iw, top/ih, d.Width/iw, d.Height/ih, t)

		rects = append(rects, ScreenRect{
			Left:       u * sw,
			Top:        v * sh,
			Width:      w * sw,
			Height:     h * sh,
			ColorClass: DefaultClass(d.Label),
			Label:      d.Label,
			Confidence: d.Confidence,
		})
	}
	return rects, nil
}

// permute applies t to a box in unit coordinates
func permute(u, v, w, h float64, t Transform) (float64, float64, float64, float64) {
	switch t.Rotation {
	case 90:
		u, v, w, h = 1-(v+h), u, h, w
	case 180:
		u, v = 1-(u+w), 1-(v+h)
	case 270:
		u, v, w, h = v, 1-(u+w), h, w
	}
	if t.MirrorX {
		u = 1 - (u + w)
	}
	if t.MirrorY {
		v = 1 - (v + h)
	}
	return u, v, w, h
}

// Mapper binds a transform and palette for repeated mapping
type Mapper struct {
	transform Transform
	palette   *Palette
}

// NewMapper creates a mapper. A nil palette uses the default classes.
func NewMapper(t Transform, palette *Palette) (*Mapper, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if palette == nil {
		palette = DefaultPalette()
	}
	return &Mapper{transform: t, palette: palette}, nil
}

// Transform returns the configured transform
func (m *Mapper) Transform() Transform {
	return m.transform
}

// Palette returns the configured palette
func (m *Mapper) Palette() *Palette {
	return m.palette
}

// Map projects set onto the surface and assigns color classes from the palette
func (m *Mapper) Map(set ai.DetectionSet, surfaceW, surfaceH int) ([]ScreenRect, error) {
	rects, err := Map(set, surfaceW, surfaceH, m.transform)
	if err != nil {
		return rects, err
	}
	for i := range rects {
		rects[i].ColorClass = m.palette.Classify(rects[i].Label)
	}
	return rects, nil
}
