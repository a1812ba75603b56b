package video

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrMalformedFrame is returned when plane data does not match the declared geometry
var ErrMalformedFrame = errors.New("malformed frame")

// Plane is one pixel plane of a chroma-subsampled frame.
// PixelStride is the distance between horizontally adjacent samples; 1 for
// planar chroma, 2 when U and V are views into one interleaved buffer.
type Plane struct {
	Data        []byte
	RowStride   int
	PixelStride int
}

// RawFrame is one uncompressed 4:2:0 frame as delivered by a FrameSource.
// The source owns the plane buffers until Release is called.
type RawFrame struct {
	Width           int
	Height          int
	Y               Plane
	U               Plane
	V               Plane
	RotationDegrees int
	Timestamp       time.Time
	Seq             uint64

	release     func()
	releaseOnce sync.Once
}

// NewRawFrame builds a frame whose buffers are returned through release
func NewRawFrame(width, height int, y, u, v Plane, rotation int, ts time.Time, release func()) *RawFrame {
	return &RawFrame{
		Width:           width,
		Height:          height,
		Y:               y,
		U:               u,
		V:               v,
		RotationDegrees: rotation,
		Timestamp:       ts,
		release:         release,
	}
}

// Release hands the plane buffers back to the source. Safe to call more than once.
func (f *RawFrame) Release() {
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// ChromaSize returns the dimensions of the U and V planes
func (f *RawFrame) ChromaSize() (int, int) {
	return (f.Width + 1) / 2, (f.Height + 1) / 2
}

// Validate checks that every plane is large enough for the declared geometry
func (f *RawFrame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: non-positive dimensions %dx%d", ErrMalformedFrame, f.Width, f.Height)
	}
	switch f.RotationDegrees {
	case 0, 90, 180, 270:
	default:
		return fmt.Errorf("%w: unsupported rotation %d", ErrMalformedFrame, f.RotationDegrees)
	}
	if err := checkPlane("y", f.Y, f.Width, f.Height); err != nil {
		return err
	}
	cw, ch := f.ChromaSize()
	if err := checkPlane("u", f.U, cw, ch); err != nil {
		return err
	}
	return checkPlane("v", f.V, cw, ch)
}

func checkPlane(name string, p Plane, w, h int) error {
	ps := p.pixelStride()
	rs := p.rowStride(w)
	if rs < (w-1)*ps+1 {
		return fmt.Errorf("%w: %s plane row stride %d too small for width %d", ErrMalformedFrame, name, rs, w)
	}
	need := (h-1)*rs + (w-1)*ps + 1
	if len(p.Data) < need {
		return fmt.Errorf("%w: %s plane has %d bytes, need %d", ErrMalformedFrame, name, len(p.Data), need)
	}
	return nil
}

func (p Plane) pixelStride() int {
	if p.PixelStride <= 0 {
		return 1
	}
	return p.PixelStride
}

func (p Plane) rowStride(width int) int {
	if p.RowStride <= 0 {
		return width * p.pixelStride()
	}
	return p.RowStride
}

// EncodedImage is a compressed, orientation-corrected still ready for transport.
// Width and Height are post-rotation; detections returned for it are in this space.
type EncodedImage struct {
	Data       []byte
	Width      int
	Height     int
	CapturedAt time.Time
	FrameSeq   uint64
}
