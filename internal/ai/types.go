package ai

// Detection is one object reported by the inference endpoint. X and Y are the
// box center, all values in pixels of the image that was submitted.
type Detection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Bounds returns the axis-aligned box as left, top, right, bottom
func (d Detection) Bounds() (left, top, right, bottom float64) {
	return d.X - d.Width/2, d.Y - d.Height/2, d.X + d.Width/2, d.Y + d.Height/2
}

// DetectionSet holds every detection from one inference call together with
// the dimensions of the image they are relative to.
type DetectionSet struct {
	Detections  []Detection `json:"detections"`
	ImageWidth  int         `json:"image_width"`
	ImageHeight int         `json:"image_height"`
}

// Len returns the number of detections
func (s DetectionSet) Len() int {
	return len(s.Detections)
}

// FilterConfidence returns a copy keeping detections at or above min
func (s DetectionSet) FilterConfidence(min float64) DetectionSet {
	if min <= 0 {
		return s
	}
	out := DetectionSet{ImageWidth: s.ImageWidth, ImageHeight: s.ImageHeight}
	for _, d := range s.Detections {
		if d.Confidence >= min {
			out.Detections = append(out.Detections, d)
		}
	}
	return out
}
