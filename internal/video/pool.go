package video

import (
	"go.uber.org/atomic"
)

// BufferPool is a fixed set of frame buffers shared between a source and
// its consumer. A source that finds the pool empty must drop the frame.
type BufferPool struct {
	free        chan []byte
	size        int
	bufferBytes int
	outstanding *atomic.Int64
	starved     *atomic.Uint64
}

// NewBufferPool allocates count buffers of bufferBytes each
func NewBufferPool(count, bufferBytes int) *BufferPool {
	if count <= 0 {
		count = 1
	}
	p := &BufferPool{
		free:        make(chan []byte, count),
		size:        count,
		bufferBytes: bufferBytes,
		outstanding: atomic.NewInt64(0),
		starved:     atomic.NewUint64(0),
	}
	for i := 0; i < count; i++ {
		p.free <- make([]byte, bufferBytes)
	}
	return p
}

// Acquire takes a buffer without blocking. The returned release func puts it
// back and must be called exactly once; ok is false when every buffer is held.
func (p *BufferPool) Acquire() (buf []byte, release func(), ok bool) {
	select {
	case buf = <-p.free:
	default:
		p.starved.Inc()
		return nil, nil, false
	}
	p.outstanding.Inc()
	return buf, func() {
		p.outstanding.Dec()
		p.free <- buf
	}, true
}

// Outstanding returns how many buffers are currently held
func (p *BufferPool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Starved returns how many acquisitions found the pool empty
func (p *BufferPool) Starved() uint64 {
	return p.starved.Load()
}

// Size returns the number of buffers in the pool
func (p *BufferPool) Size() int {
	return p.size
}

// BufferBytes returns the capacity of each buffer
func (p *BufferPool) BufferBytes() int {
	return p.bufferBytes
}

// I420Size returns the byte size of a planar 4:2:0 frame
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// I420Planes splits a contiguous planar 4:2:0 buffer into its three planes
func I420Planes(buf []byte, width, height int) (y, u, v Plane) {
	cw, ch := (width+1)/2, (height+1)/2
	ySize := width * height
	cSize := cw * ch
	y = Plane{Data: buf[:ySize], RowStride: width, PixelStride: 1}
	u = Plane{Data: buf[ySize : ySize+cSize], RowStride: cw, PixelStride: 1}
	v = Plane{Data: buf[ySize+cSize : ySize+2*cSize], RowStride: cw, PixelStride: 1}
	return y, u, v
}
