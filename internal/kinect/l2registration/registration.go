// Package l2registration maps every depth pixel into color space so the
// keyer can sample the color image behind each depth sample.
package l2registration

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/kv2share/internal/kinect"
)

// ErrUnavailable reports that no usable projection exists this tick. The
// caller skips keying and tries again next tick.
var ErrUnavailable = errors.New("registration unavailable")

// Projector is the driver's coordinate mapper.
type Projector interface {
	MapDepthFrameToColorSpace(depth []uint16, dst []kinect.ColorSpacePoint) error
}

// Table holds one color-space coordinate per depth pixel, row-major. Entries
// may be fractional or non-finite.
type Table struct {
	Width  int
	Height int
	Points []kinect.ColorSpacePoint
	// Seq is the frame sequence the table was built from.
	Seq uint64
}

// At returns the mapped coordinate of depth pixel (x, y).
func (t *Table) At(x, y int) kinect.ColorSpacePoint {
	return t.Points[y*t.Width+x]
}

// Mapped counts entries with finite coordinates.
func (t *Table) Mapped() int {
	n := 0
	for _, p := range t.Points {
		if !math.IsInf(float64(p.X), 0) && !math.IsNaN(float64(p.X)) &&
			!math.IsInf(float64(p.Y), 0) && !math.IsNaN(float64(p.Y)) {
			n++
		}
	}
	return n
}

// Registrar rebuilds the registration table every frame. It owns two
// tables and alternates between them, publishing the completed one through
// Latest. A table returned by Register or Latest stays intact until the
// second Register call after it.
type Registrar struct {
	mu        sync.Mutex // serialises Register and SetProjector
	projector Projector
	buffers   [2]*Table
	back      int

	latest atomic.Pointer[Table]
}

// NewRegistrar returns a registrar using p. A nil projector is allowed: every
// Register call reports ErrUnavailable until SetProjector supplies one.
func NewRegistrar(p Projector) *Registrar {
	return &Registrar{projector: p}
}

// SetProjector replaces the projector, for drivers that hand out their
// coordinate mapper after the streams start.
func (r *Registrar) SetProjector(p Projector) {
	r.mu.Lock()
	r.projector = p
	r.mu.Unlock()
}

// Register projects depth into color space. The whole table is recomputed;
// nothing carries over from earlier frames.
func (r *Registrar) Register(seq uint64, depth kinect.DepthImage) (*Table, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.projector == nil {
		return nil, fmt.Errorf("%w: no projector", ErrUnavailable)
	}
	if depth.Width*depth.Height != depth.Len() || depth.Len() == 0 {
		return nil, fmt.Errorf("%w: depth %dx%d holds %d samples",
			kinect.ErrDimensionMismatch, depth.Width, depth.Height, depth.Len())
	}

	t := r.buffers[r.back]
	if t == nil || t.Width != depth.Width || t.Height != depth.Height {
		t = &Table{
			Width:  depth.Width,
			Height: depth.Height,
			Points: make([]kinect.ColorSpacePoint, depth.Len()),
		}
		r.buffers[r.back] = t
	}
	t.Seq = seq

	if err := r.projector.MapDepthFrameToColorSpace(depth.Pix, t.Points); err != nil {
		if errors.Is(err, kinect.ErrDimensionMismatch) {
			return nil, fmt.Errorf("projector rejected depth frame: %w", err)
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	r.latest.Store(t)
	r.back ^= 1
	return t, nil
}

// Latest returns the most recently completed table, or nil.
func (r *Registrar) Latest() *Table {
	return r.latest.Load()
}
