package video

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/disintegration/imaging"
)

// DefaultQuality is the JPEG quality used when none is configured
const DefaultQuality = 80

// FrameEncoder turns raw 4:2:0 frames into upright JPEG stills
type FrameEncoder struct {
	mu      sync.RWMutex
	quality int
}

// NewFrameEncoder creates an encoder with the given JPEG quality (1-100)
func NewFrameEncoder(quality int) *FrameEncoder {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &FrameEncoder{quality: quality}
}

// Quality returns the configured JPEG quality
func (e *FrameEncoder) Quality() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.quality
}

// SetQuality updates the JPEG quality; out-of-range values are ignored
func (e *FrameEncoder) SetQuality(quality int) {
	if quality <= 0 || quality > 100 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quality = quality
}

// Encode converts, rotates and compresses a frame. The frame is not released.
func (e *FrameEncoder) Encode(frame *RawFrame) (*EncodedImage, error) {
	if err := frame.Validate(); err != nil {
		return nil, err
	}

	img := ToYCbCr(frame)

	out, err := e.EncodeImage(img, frame.RotationDegrees)
	if err != nil {
		return nil, err
	}
	out.CapturedAt = frame.Timestamp
	out.FrameSeq = frame.Seq
	return out, nil
}

// EncodeImage rotates an already decoded image clockwise by rotation degrees
// and compresses it.
func (e *FrameEncoder) EncodeImage(img image.Image, rotation int) (*EncodedImage, error) {
	upright, err := Rotate(img, rotation)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, upright, &jpeg.Options{Quality: e.Quality()}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	b := upright.Bounds()
	return &EncodedImage{
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// Rotate turns img clockwise by a quarter-turn multiple.
// imaging rotates counter-clockwise, so 90 maps to Rotate270 and vice versa.
func Rotate(img image.Image, degrees int) (image.Image, error) {
	switch degrees {
	case 0:
		return img, nil
	case 90:
		return imaging.Rotate270(img), nil
	case 180:
		return imaging.Rotate180(img), nil
	case 270:
		return imaging.Rotate90(img), nil
	default:
		return nil, fmt.Errorf("%w: unsupported rotation %d", ErrMalformedFrame, degrees)
	}
}

// ToYCbCr packs the three planes of a validated frame into one contiguous
// 4:2:0 image, honouring row and pixel strides.
func ToYCbCr(frame *RawFrame) *image.YCbCr {
	w, h := frame.Width, frame.Height
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)

	copyPlane(img.Y, img.YStride, frame.Y, w, h)
	cw, ch := frame.ChromaSize()
	copyPlane(img.Cb, img.CStride, frame.U, cw, ch)
	copyPlane(img.Cr, img.CStride, frame.V, cw, ch)

	return img
}

func copyPlane(dst []byte, dstStride int, src Plane, w, h int) {
	ps := src.pixelStride()
	rs := src.rowStride(w)
	for row := 0; row < h; row++ {
		d := dst[row*dstStride : row*dstStride+w]
		s := src.Data[row*rs:]
		if ps == 1 {
			copy(d, s[:w])
			continue
		}
		for col := 0; col < w; col++ {
			d[col] = s[col*ps]
		}
	}
}
