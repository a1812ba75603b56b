package overlay

import (
	"fmt"
	"image/color"
)

// ColorClass is the rendering category of a detection
type ColorClass string

const (
	ClassCritical ColorClass = "critical"
	ClassMinor    ColorClass = "minor"
	ClassOK       ColorClass = "ok"
	ClassUnknown  ColorClass = "unknown"
)

var defaultColors = map[ColorClass]color.RGBA{
	ClassCritical: {R: 0xFF, A: 0xFF},
	ClassMinor:    {R: 0xFF, G: 0xFF, A: 0xFF},
	ClassOK:       {G: 0xFF, A: 0xFF},
	ClassUnknown:  {R: 0xFF, B: 0xFF, A: 0xFF},
}

// DefaultClass maps the detector's labels to color classes
func DefaultClass(label string) ColorClass {
	switch label {
	case "Critical Defect":
		return ClassCritical
	case "Minor Defect":
		return ClassMinor
	case "No Defect":
		return ClassOK
	default:
		return ClassUnknown
	}
}

// ParseColorClass validates a color class name
func ParseColorClass(s string) (ColorClass, error) {
	c := ColorClass(s)
	if _, ok := defaultColors[c]; !ok {
		return "", fmt.Errorf("unknown color class %q", s)
	}
	return c, nil
}

// Palette resolves labels to classes and classes to colors
type Palette struct {
	overrides map[string]ColorClass
}

// DefaultPalette returns a palette without label overrides
func DefaultPalette() *Palette {
	return &Palette{overrides: map[string]ColorClass{}}
}

// NewPalette builds a palette from label -> class name overrides
func NewPalette(overrides map[string]string) (*Palette, error) {
	p := DefaultPalette()
	for label, name := range overrides {
		class, err := ParseColorClass(name)
		if err != nil {
			return nil, fmt.Errorf("label %q: %w", label, err)
		}
		p.overrides[label] = class
	}
	return p, nil
}

// Classify returns the color class for label
func (p *Palette) Classify(label string) ColorClass {
	if p != nil {
		if class, ok := p.overrides[label]; ok {
			return class
		}
	}
	return DefaultClass(label)
}

// Color returns the stroke color of class
func (p *Palette) Color(class ColorClass) color.RGBA {
	if c, ok := defaultColors[class]; ok {
		return c
	}
	return defaultColors[ClassUnknown]
}
