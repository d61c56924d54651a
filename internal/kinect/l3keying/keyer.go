// Package l3keying builds the keyed foreground: color pixels behind depth
// samples that belong to a tracked body, everything else transparent.
package l3keying

import (
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/kinect/l2registration"
)

// Keyer produces foreground images at depth resolution. It holds two
// output images and alternates between them; the finished one is published
// through Latest so readers on other goroutines never see a half-written
// image.
type Keyer struct {
	mu      sync.Mutex // serialises Key and guards workers
	workers int
	buffers [2]*image.RGBA
	back    int

	latest atomic.Pointer[image.RGBA]
}

// NewKeyer returns a keyer that splits rows across workers. Values below one
// run the pass on the calling goroutine.
func NewKeyer(workers int) *Keyer {
	if workers < 1 {
		workers = 1
	}
	return &Keyer{workers: workers}
}

// Key keys frame using table. The returned image is valid until the second
// Key call after it. Geometry mismatches between the depth stream, the
// body-index mask and the table wrap kinect.ErrDimensionMismatch.
func (k *Keyer) Key(frame *kinect.Frame, table *l2registration.Table) (*image.RGBA, error) {
	w, h := frame.Depth.Width, frame.Depth.Height
	n := w * h
	if frame.BodyIndex.Len() != n || frame.BodyIndex.Width != w || frame.BodyIndex.Height != h {
		return nil, fmt.Errorf("%w: body index %dx%d vs depth %dx%d",
			kinect.ErrDimensionMismatch, frame.BodyIndex.Width, frame.BodyIndex.Height, w, h)
	}
	if table == nil || table.Width != w || table.Height != h || len(table.Points) != n {
		return nil, fmt.Errorf("%w: registration table does not cover depth %dx%d", kinect.ErrDimensionMismatch, w, h)
	}
	c := frame.Color
	if c.Channels != 3 && c.Channels != 4 {
		return nil, fmt.Errorf("%w: color image has %d channels", kinect.ErrDimensionMismatch, c.Channels)
	}
	if c.Len() != c.Width*c.Height*c.Channels {
		return nil, fmt.Errorf("%w: color %dx%dx%d holds %d bytes",
			kinect.ErrDimensionMismatch, c.Width, c.Height, c.Channels, c.Len())
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	dst := k.buffers[k.back]
	if dst == nil || dst.Rect.Dx() != w || dst.Rect.Dy() != h {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		k.buffers[k.back] = dst
	}

	params := pass{
		width:    w,
		tracked:  frame.TrackedCount(),
		index:    frame.BodyIndex.Pix,
		points:   table.Points,
		color:    c,
		dst:      dst.Pix,
		dstWidth: dst.Stride,
	}

	workers := k.workers
	if workers > h {
		workers = h
	}
	if workers <= 1 {
		params.rows(0, h)
	} else {
		var wg sync.WaitGroup
		per := (h + workers - 1) / workers
		for y0 := 0; y0 < h; y0 += per {
			y1 := min(y0+per, h)
			wg.Add(1)
			go func(y0, y1 int) {
				defer wg.Done()
				params.rows(y0, y1)
			}(y0, y1)
		}
		wg.Wait()
	}

	k.latest.Store(dst)
	k.back ^= 1
	return dst, nil
}

// Latest returns the most recently completed foreground, or nil.
func (k *Keyer) Latest() *image.RGBA {
	return k.latest.Load()
}

// Workers returns the configured parallelism.
func (k *Keyer) Workers() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.workers
}

// SetWorkers changes the parallelism for subsequent passes.
func (k *Keyer) SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	k.mu.Lock()
	k.workers = n
	k.mu.Unlock()
}

type pass struct {
	width    int
	tracked  int
	index    []uint8
	points   []kinect.ColorSpacePoint
	color    kinect.ColorImage
	dst      []uint8
	dstWidth int
}

// rows keys depth rows [y0, y1). Each pixel depends only on its own inputs
// so any row partition gives the same bytes.
func (p *pass) rows(y0, y1 int) {
	cw, ch, channels := p.color.Width, p.color.Height, p.color.Channels
	fw, fh := float64(cw), float64(ch)
	for y := y0; y < y1; y++ {
		out := p.dst[y*p.dstWidth : y*p.dstWidth+p.width*4]
		clear(out)
		base := y * p.width
		for x := 0; x < p.width; x++ {
			i := base + x
			if int(p.index[i]) >= p.tracked {
				continue
			}
			pt := p.points[i]
			fx, fy := float64(pt.X), float64(pt.Y)
			// Written so NaN fails both comparisons.
			if !(fx >= 0 && fx < fw && fy >= 0 && fy < fh) {
				continue
			}
			cx, cy := int(fx), int(fy)
			src := (cy*cw + cx) * channels
			o := x * 4
			out[o+0] = p.color.Pix[src+0]
			out[o+1] = p.color.Pix[src+1]
			out[o+2] = p.color.Pix[src+2]
			if channels == 4 {
				out[o+3] = p.color.Pix[src+3]
			} else {
				out[o+3] = 0xFF
			}
		}
	}
}
