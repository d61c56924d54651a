// Package l1frames is the frame source layer: it opens the depth camera
// and hands the pipeline one immutable Frame per tick.
package l1frames

import (
	"errors"
	"sync"

	"github.com/banshee-data/kv2share/internal/kinect"
)

// ErrNotReady reports that at least one stream (depth, color or body index)
// had no data this tick. It is transient; the next fetch retries.
var ErrNotReady = errors.New("frame streams not ready")

// ErrClosed is returned by FetchFrame after Close.
var ErrClosed = errors.New("device closed")

// Device is a synchronized multi-stream depth camera.
type Device interface {
	Open() error
	FetchFrame() (*kinect.Frame, error)
	Close() error
}

// StaticDevice serves a fixed sequence of frames. Once the sequence is
// exhausted the last frame repeats. A nil entry is reported as ErrNotReady.
type StaticDevice struct {
	mu     sync.Mutex
	frames []*kinect.Frame
	next   int
	opened bool
	closed bool

	OpenErr error
}

// NewStaticDevice returns a device over frames.
func NewStaticDevice(frames ...*kinect.Frame) *StaticDevice {
	return &StaticDevice{frames: frames}
}

// Open marks the device open.
func (d *StaticDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.opened = true
	return nil
}

// FetchFrame returns the next frame in the sequence.
func (d *StaticDevice) FetchFrame() (*kinect.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if len(d.frames) == 0 {
		return nil, ErrNotReady
	}
	i := d.next
	if i >= len(d.frames) {
		i = len(d.frames) - 1
	} else {
		d.next++
	}
	f := d.frames[i]
	if f == nil || !f.StreamsReady() {
		return nil, ErrNotReady
	}
	return f, nil
}

// Close marks the device closed.
func (d *StaticDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// Opened reports whether Open succeeded.
func (d *StaticDevice) Opened() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}
