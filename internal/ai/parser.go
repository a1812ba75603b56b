package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ParseResponse decodes an endpoint reply into a DetectionSet tagged with the
// submitted image's dimensions.
//
// A JSON object without "predictions" (or with null) is an empty set. A body
// that is not a JSON object, a non-array "predictions", or any element with a
// missing or mistyped field fails the whole parse with ErrMalformedResponse.
func ParseResponse(body []byte, imageWidth, imageHeight int) (DetectionSet, error) {
	set := DetectionSet{ImageWidth: imageWidth, ImageHeight: imageHeight}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		return DetectionSet{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedResponse)
	}

	raw, ok := top["predictions"]
	if !ok || isNull(raw) {
		return set, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return DetectionSet{}, fmt.Errorf("%w: predictions is not an array", ErrMalformedResponse)
	}

	set.Detections = make([]Detection, 0, len(elems))
	for i, elem := range elems {
		d, err := parsePrediction(elem)
		if err != nil {
			return DetectionSet{}, fmt.Errorf("%w: prediction %d: %v", ErrMalformedResponse, i, err)
		}
		set.Detections = append(set.Detections, d)
	}

	return set, nil
}

func parsePrediction(raw json.RawMessage) (Detection, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return Detection{}, fmt.Errorf("not an object")
	}

	var d Detection
	var err error
	if d.X, err = numberField(fields, "x"); err != nil {
		return Detection{}, err
	}
	if d.Y, err = numberField(fields, "y"); err != nil {
		return Detection{}, err
	}
	if d.Width, err = numberField(fields, "width"); err != nil {
		return Detection{}, err
	}
	if d.Height, err = numberField(fields, "height"); err != nil {
		return Detection{}, err
	}
	if d.Confidence, err = numberField(fields, "confidence"); err != nil {
		return Detection{}, err
	}

	label, ok := fields["class"]
	if !ok {
		return Detection{}, fmt.Errorf("missing field %q", "class")
	}
	if d.Label, ok = label.(string); !ok {
		return Detection{}, fmt.Errorf("field %q is not a string", "class")
	}

	return d, nil
}

func numberField(fields map[string]interface{}, name string) (float64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing field %q", name)
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("field %q is not a number", name)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("field %q: %v", name, err)
	}
	return f, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
