package kinect

import (
	"errors"
	"fmt"
)

// Native Kinect v2 stream resolutions.
const (
	DepthWidth  = 512
	DepthHeight = 424
	DepthSize   = DepthWidth * DepthHeight

	ColorWidth  = 1920
	ColorHeight = 1080

	// MaxBodies is the number of body slots the driver tracks at once.
	MaxBodies = 6

	// BodyIndexBackground is the value the driver writes for pixels that
	// belong to no body. Any value >= the tracked count is background, this
	// is just the canonical one.
	BodyIndexBackground = 0xFF
)

// ErrDimensionMismatch reports buffers whose pixel dimensions disagree with
// the depth stream. It is a setup defect, never a per-pixel condition.
var ErrDimensionMismatch = errors.New("buffer dimensions do not match depth stream")

// DepthImage is a row-major buffer of 16-bit depth samples in millimetres.
type DepthImage struct {
	Width  int
	Height int
	Pix    []uint16
}

// Len returns the number of samples in the buffer.
func (d DepthImage) Len() int { return len(d.Pix) }

// ColorImage is a row-major interleaved 8-bit color buffer. Channels is 3
// (RGB) or 4 (RGBA).
type ColorImage struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Len returns the number of bytes in the buffer.
func (c ColorImage) Len() int { return len(c.Pix) }

// HasAlpha reports whether the buffer carries an alpha channel.
func (c ColorImage) HasAlpha() bool { return c.Channels == 4 }

// BodyIndexImage labels each depth pixel with the slot of the body that
// owns it.
type BodyIndexImage struct {
	Width  int
	Height int
	Pix    []uint8
}

// Len returns the number of labels in the buffer.
func (b BodyIndexImage) Len() int { return len(b.Pix) }

// ColorSpacePoint is a projected color-space coordinate. Unmappable depth
// samples come back from the driver as -Inf; callers must treat any
// non-finite or out-of-range value as "no color".
type ColorSpacePoint struct {
	X float32
	Y float32
}

// Vec3 is a world-space position in metres, sensor-relative.
type Vec3 struct {
	X, Y, Z float32
}

// Vec2 is a position in depth-image pixels.
type Vec2 struct {
	X, Y float32
}

// HandState is the raw driver hand-state code. No names are attached to the
// values; they are passed through to consumers unchanged.
type HandState int32

// Joint is one skeletal landmark of a body.
type Joint struct {
	Type  JointType
	World Vec3
	Depth Vec2
}

// Body is a per-tick snapshot of one body slot.
type Body struct {
	// SlotID is the driver slot (0..MaxBodies-1). Reused across people.
	SlotID int
	// TrackingID is stable for as long as the driver keeps the person.
	TrackingID     uint64
	Tracked        bool
	LeftHandState  HandState
	RightHandState HandState
	Joints         [JointCount]Joint
}

// Frame is one synchronized capture from the device. The pipeline only
// reads it.
type Frame struct {
	Seq       uint64
	Timestamp int64 // unix nanos
	Depth     DepthImage
	Color     ColorImage
	BodyIndex BodyIndexImage
	Bodies    []Body
}

// StreamsReady reports whether every image stream carries data. A frame
// with an empty stream is the camera warming up, not an error.
func (f *Frame) StreamsReady() bool {
	if f == nil {
		return false
	}
	return f.Depth.Len() > 0 && f.Color.Len() > 0 && f.BodyIndex.Len() > 0
}

// TrackedCount counts the bodies flagged as tracked in this frame.
func (f *Frame) TrackedCount() int {
	n := 0
	for i := range f.Bodies {
		if f.Bodies[i].Tracked {
			n++
		}
	}
	return n
}

// Validate checks the buffer geometry of a ready frame. Any error wraps
// ErrDimensionMismatch.
func (f *Frame) Validate() error {
	d := f.Depth
	if d.Width <= 0 || d.Height <= 0 || d.Len() != d.Width*d.Height {
		return fmt.Errorf("%w: depth %dx%d holds %d samples", ErrDimensionMismatch, d.Width, d.Height, d.Len())
	}
	b := f.BodyIndex
	if b.Width != d.Width || b.Height != d.Height || b.Len() != d.Len() {
		return fmt.Errorf("%w: body index %dx%d (%d) vs depth %dx%d", ErrDimensionMismatch, b.Width, b.Height, b.Len(), d.Width, d.Height)
	}
	c := f.Color
	if c.Channels != 3 && c.Channels != 4 {
		return fmt.Errorf("%w: color image has %d channels", ErrDimensionMismatch, c.Channels)
	}
	if c.Width <= 0 || c.Height <= 0 || c.Len() != c.Width*c.Height*c.Channels {
		return fmt.Errorf("%w: color %dx%dx%d holds %d bytes", ErrDimensionMismatch, c.Width, c.Height, c.Channels, c.Len())
	}
	return nil
}
