package l2registration

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/kv2share/internal/kinect"
)

// offsetProjector maps depth pixel i to (i+dx, i+dy).
type offsetProjector struct {
	dx, dy float32
	calls  int
	err    error
}

func (p *offsetProjector) MapDepthFrameToColorSpace(depth []uint16, dst []kinect.ColorSpacePoint) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	for i := range depth {
		dst[i] = kinect.ColorSpacePoint{X: float32(i) + p.dx, Y: float32(i) + p.dy}
	}
	return nil
}

func depth(w, h int) kinect.DepthImage {
	return kinect.DepthImage{Width: w, Height: h, Pix: make([]uint16, w*h)}
}

func TestRegister(t *testing.T) {
	t.Parallel()
	p := &offsetProjector{dx: 0.5}
	r := NewRegistrar(p)

	tbl, err := r.Register(3, depth(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 4, tbl.Width)
	assert.Equal(t, 2, tbl.Height)
	assert.Equal(t, uint64(3), tbl.Seq)
	assert.Equal(t, kinect.ColorSpacePoint{X: 5.5, Y: 5}, tbl.At(1, 1))
	assert.Same(t, tbl, r.Latest())
	assert.Equal(t, 8, tbl.Mapped())
}

func TestRegister_DoubleBuffered(t *testing.T) {
	t.Parallel()
	r := NewRegistrar(&offsetProjector{})
	a, err := r.Register(1, depth(2, 2))
	require.NoError(t, err)
	b, err := r.Register(2, depth(2, 2))
	require.NoError(t, err)
	c, err := r.Register(3, depth(2, 2))
	require.NoError(t, err)

	assert.NotSame(t, a, b, "consecutive tables must not share storage")
	assert.Same(t, a, c, "buffers alternate")
	assert.Same(t, c, r.Latest())
	assert.Equal(t, uint64(2), b.Seq, "previous table untouched by next register")
}

func TestRegister_ResizeReallocates(t *testing.T) {
	t.Parallel()
	r := NewRegistrar(&offsetProjector{})
	_, err := r.Register(1, depth(2, 2))
	require.NoError(t, err)
	_, err = r.Register(2, depth(2, 2))
	require.NoError(t, err)
	tbl, err := r.Register(3, depth(3, 1))
	require.NoError(t, err)
	assert.Len(t, tbl.Points, 3)
}

func TestRegister_Unavailable(t *testing.T) {
	t.Parallel()

	t.Run("no projector", func(t *testing.T) {
		t.Parallel()
		r := NewRegistrar(nil)
		_, err := r.Register(1, depth(2, 2))
		assert.ErrorIs(t, err, ErrUnavailable)
		assert.Nil(t, r.Latest())

		r.SetProjector(&offsetProjector{})
		_, err = r.Register(2, depth(2, 2))
		assert.NoError(t, err)
	})

	t.Run("projector failure", func(t *testing.T) {
		t.Parallel()
		p := &offsetProjector{err: errors.New("mapper busy")}
		r := NewRegistrar(p)
		_, err := r.Register(1, depth(2, 2))
		assert.ErrorIs(t, err, ErrUnavailable)

		p.err = nil
		_, err = r.Register(2, depth(2, 2))
		assert.NoError(t, err, "retries next tick")
		assert.Equal(t, 2, p.calls)
	})
}

func TestRegister_DimensionMismatchIsFatal(t *testing.T) {
	t.Parallel()

	r := NewRegistrar(&offsetProjector{})
	bad := kinect.DepthImage{Width: 3, Height: 3, Pix: make([]uint16, 4)}
	_, err := r.Register(1, bad)
	assert.ErrorIs(t, err, kinect.ErrDimensionMismatch)
	assert.NotErrorIs(t, err, ErrUnavailable)

	p := &offsetProjector{err: kinect.ErrDimensionMismatch}
	r = NewRegistrar(p)
	_, err = r.Register(1, depth(2, 2))
	assert.ErrorIs(t, err, kinect.ErrDimensionMismatch)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestTable_Mapped(t *testing.T) {
	t.Parallel()
	ninf := float32(math.Inf(-1))
	nan := float32(math.NaN())
	tbl := &Table{Width: 3, Height: 1, Points: []kinect.ColorSpacePoint{
		{X: 1, Y: 1}, {X: ninf, Y: ninf}, {X: 2, Y: nan},
	}}
	assert.Equal(t, 1, tbl.Mapped())
}
