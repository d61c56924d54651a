package sqlite

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/kinect/l1frames"
)

// ReplayDevice is a frame source that plays back the bodies of a recorded
// session. Image streams are blank: depth is zero everywhere so keying, if
// enabled, yields a fully transparent foreground. Playback loops.
type ReplayDevice struct {
	store     *Store
	sessionID string
	width     int
	height    int

	mu     sync.Mutex
	ticks  []TickRecord
	next   int
	seq    uint64
	opened bool
	closed bool
}

// NewReplayDevice returns a device over sessionID at the native depth size.
func NewReplayDevice(store *Store, sessionID string) *ReplayDevice {
	return &ReplayDevice{
		store:     store,
		sessionID: sessionID,
		width:     kinect.DepthWidth,
		height:    kinect.DepthHeight,
	}
}

// Open loads the session. Ticks that carried no frame are skipped when the
// session is recorded, so every loaded tick replays as a ready frame.
func (d *ReplayDevice) Open() error {
	ticks, err := d.store.LoadTicks(context.Background(), d.sessionID)
	if err != nil {
		return err
	}
	if len(ticks) == 0 {
		return fmt.Errorf("session %s has no recorded ticks", d.sessionID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ticks = ticks
	d.next = 0
	d.opened = true
	d.closed = false
	return nil
}

// FetchFrame returns the next recorded tick as a frame.
func (d *ReplayDevice) FetchFrame() (*kinect.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, l1frames.ErrClosed
	}
	if !d.opened {
		return nil, l1frames.ErrNotReady
	}
	rec := d.ticks[d.next]
	d.next = (d.next + 1) % len(d.ticks)
	d.seq++

	n := d.width * d.height
	return &kinect.Frame{
		Seq:       d.seq,
		Timestamp: rec.At.UnixNano(),
		Depth:     kinect.DepthImage{Width: d.width, Height: d.height, Pix: make([]uint16, n)},
		Color:     kinect.ColorImage{Width: d.width, Height: d.height, Channels: 3, Pix: make([]byte, n*3)},
		BodyIndex: kinect.BodyIndexImage{Width: d.width, Height: d.height, Pix: blankBodyIndex(n)},
		Bodies:    append([]kinect.Body(nil), rec.Bodies...),
	}, nil
}

// Close stops playback.
func (d *ReplayDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Len returns the number of ticks in the loaded session.
func (d *ReplayDevice) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ticks)
}

func blankBodyIndex(n int) []uint8 {
	pix := make([]uint8, n)
	for i := range pix {
		pix[i] = kinect.BodyIndexBackground
	}
	return pix
}
