package l1frames

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/kv2share/internal/kinect"
)

// SyntheticConfig shapes the generated scene.
type SyntheticConfig struct {
	DepthWidth   int
	DepthHeight  int
	ColorWidth   int
	ColorHeight  int
	Bodies       int           // people walking through the scene, capped at MaxBodies
	WarmupFrames int           // fetches answered with ErrNotReady after Open
	FrameRate    int           // drives timestamps and walking speed
	Start        time.Time     // timestamp of frame 0
	Period       time.Duration // overrides FrameRate when non-zero
}

// DefaultSyntheticConfig matches the native Kinect v2 stream sizes.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		DepthWidth:   kinect.DepthWidth,
		DepthHeight:  kinect.DepthHeight,
		ColorWidth:   kinect.ColorWidth,
		ColorHeight:  kinect.ColorHeight,
		Bodies:       2,
		WarmupFrames: 10,
		FrameRate:    20,
	}
}

// Depth camera intrinsics the projector and joint mapping share.
const (
	depthHFOV      = 70.6 * math.Pi / 180
	depthVFOV      = 60.0 * math.Pi / 180
	colorHFOV      = 84.1 * math.Pi / 180
	colorVFOV      = 53.8 * math.Pi / 180
	baselineMetres = 0.052
	backgroundMM   = 4500
)

// Stick-figure joint offsets in metres from the spine base, indexed by
// JointType.
var skeleton = [kinect.JointCount]kinect.Vec3{
	kinect.JointSpineBase:     {X: 0, Y: 0, Z: 0},
	kinect.JointSpineMid:      {X: 0, Y: 0.28, Z: 0},
	kinect.JointNeck:          {X: 0, Y: 0.55, Z: 0},
	kinect.JointHead:          {X: 0, Y: 0.68, Z: 0},
	kinect.JointShoulderLeft:  {X: -0.18, Y: 0.48, Z: 0},
	kinect.JointElbowLeft:     {X: -0.26, Y: 0.24, Z: 0},
	kinect.JointWristLeft:     {X: -0.30, Y: 0.02, Z: 0},
	kinect.JointHandLeft:      {X: -0.31, Y: -0.04, Z: 0},
	kinect.JointShoulderRight: {X: 0.18, Y: 0.48, Z: 0},
	kinect.JointElbowRight:    {X: 0.26, Y: 0.24, Z: 0},
	kinect.JointWristRight:    {X: 0.30, Y: 0.02, Z: 0},
	kinect.JointHandRight:     {X: 0.31, Y: -0.04, Z: 0},
	kinect.JointHipLeft:       {X: -0.09, Y: -0.04, Z: 0},
	kinect.JointKneeLeft:      {X: -0.10, Y: -0.44, Z: 0},
	kinect.JointAnkleLeft:     {X: -0.10, Y: -0.82, Z: 0},
	kinect.JointFootLeft:      {X: -0.10, Y: -0.86, Z: -0.08},
	kinect.JointHipRight:      {X: 0.09, Y: -0.04, Z: 0},
	kinect.JointKneeRight:     {X: 0.10, Y: -0.44, Z: 0},
	kinect.JointAnkleRight:    {X: 0.10, Y: -0.82, Z: 0},
	kinect.JointFootRight:     {X: 0.10, Y: -0.86, Z: -0.08},
	kinect.JointSpineShoulder: {X: 0, Y: 0.48, Z: 0},
	kinect.JointHandTipLeft:   {X: -0.32, Y: -0.12, Z: 0},
	kinect.JointThumbLeft:     {X: -0.28, Y: -0.06, Z: -0.03},
	kinect.JointHandTipRight:  {X: 0.32, Y: -0.12, Z: 0},
	kinect.JointThumbRight:    {X: 0.28, Y: -0.06, Z: -0.03},
}

// SyntheticDevice generates a deterministic scene: people walking back and
// forth in front of a checkerboard wall. It stands in for the camera driver
// on machines without one.
type SyntheticDevice struct {
	cfg    SyntheticConfig
	period time.Duration
	proj   *ParallaxProjector

	mu      sync.Mutex
	opened  bool
	closed  bool
	fetches int
	seq     uint64
	color   []byte
}

// NewSyntheticDevice validates cfg and returns an unopened device.
func NewSyntheticDevice(cfg SyntheticConfig) (*SyntheticDevice, error) {
	if cfg.DepthWidth <= 0 || cfg.DepthHeight <= 0 || cfg.ColorWidth <= 0 || cfg.ColorHeight <= 0 {
		return nil, fmt.Errorf("invalid stream dimensions depth %dx%d color %dx%d",
			cfg.DepthWidth, cfg.DepthHeight, cfg.ColorWidth, cfg.ColorHeight)
	}
	if cfg.Bodies < 0 || cfg.Bodies > kinect.MaxBodies {
		return nil, fmt.Errorf("bodies must be in [0,%d], got %d", kinect.MaxBodies, cfg.Bodies)
	}
	period := cfg.Period
	if period <= 0 {
		fps := cfg.FrameRate
		if fps <= 0 {
			fps = 20
		}
		period = time.Second / time.Duration(fps)
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Unix(0, 0)
	}
	return &SyntheticDevice{
		cfg:    cfg,
		period: period,
		proj:   NewParallaxProjector(cfg.DepthWidth, cfg.DepthHeight, cfg.ColorWidth, cfg.ColorHeight),
	}, nil
}

// Open renders the static color wall and starts the warm-up countdown.
func (d *SyntheticDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	d.color = checkerboard(d.cfg.ColorWidth, d.cfg.ColorHeight)
	d.opened = true
	diagf("synthetic device open: depth %dx%d color %dx%d, %d bodies",
		d.cfg.DepthWidth, d.cfg.DepthHeight, d.cfg.ColorWidth, d.cfg.ColorHeight, d.cfg.Bodies)
	return nil
}

// Projector returns the device's depth-to-color mapping.
func (d *SyntheticDevice) Projector() *ParallaxProjector {
	return d.proj
}

// FetchFrame renders the next frame.
func (d *SyntheticDevice) FetchFrame() (*kinect.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if !d.opened {
		return nil, fmt.Errorf("synthetic device not opened")
	}
	d.fetches++
	if d.fetches <= d.cfg.WarmupFrames {
		return nil, ErrNotReady
	}

	seq := d.seq
	d.seq++
	t := float64(seq) * d.period.Seconds()

	bodies := make([]kinect.Body, d.cfg.Bodies)
	for i := range bodies {
		bodies[i] = d.body(i, t)
	}

	w, h := d.cfg.DepthWidth, d.cfg.DepthHeight
	depth := make([]uint16, w*h)
	index := make([]uint8, w*h)
	for i := range depth {
		depth[i] = backgroundMM
		index[i] = kinect.BodyIndexBackground
	}
	for i := range bodies {
		d.paintBody(&bodies[i], uint8(i), depth, index)
	}

	tracef("synthetic frame %d with %d bodies", seq, len(bodies))
	return &kinect.Frame{
		Seq:       seq,
		Timestamp: d.cfg.Start.Add(time.Duration(seq) * d.period).UnixNano(),
		Depth:     kinect.DepthImage{Width: w, Height: h, Pix: depth},
		Color: kinect.ColorImage{
			Width:    d.cfg.ColorWidth,
			Height:   d.cfg.ColorHeight,
			Channels: 4,
			Pix:      d.color,
		},
		BodyIndex: kinect.BodyIndexImage{Width: w, Height: h, Pix: index},
		Bodies:    bodies,
	}, nil
}

// body places person i at time t. Each person walks a sine path across the
// room at a different depth and speed.
func (d *SyntheticDevice) body(i int, t float64) kinect.Body {
	phase := float64(i) * 1.7
	speed := 0.35 + 0.1*float64(i)
	x := 0.9 * math.Sin(speed*t+phase)
	z := 1.8 + 0.6*float64(i%3)
	swing := 0.15 * math.Sin(4*speed*t+phase)

	b := kinect.Body{
		SlotID:         i,
		TrackingID:     72057594037927936 + uint64(i)*1013,
		Tracked:        true,
		LeftHandState:  kinect.HandState((int(t) + i) % 5),
		RightHandState: kinect.HandState((int(t) + i + 2) % 5),
	}
	for j := range b.Joints {
		off := skeleton[j]
		jt := kinect.JointType(j)
		switch jt {
		case kinect.JointWristLeft, kinect.JointHandLeft, kinect.JointHandTipLeft, kinect.JointThumbLeft:
			off.Z -= float32(swing)
		case kinect.JointWristRight, kinect.JointHandRight, kinect.JointHandTipRight, kinect.JointThumbRight:
			off.Z += float32(swing)
		}
		world := kinect.Vec3{X: float32(x) + off.X, Y: off.Y, Z: float32(z) + off.Z}
		px, py := d.toDepthPixel(world)
		b.Joints[j] = kinect.Joint{Type: jt, World: world, Depth: kinect.Vec2{X: px, Y: py}}
	}
	return b
}

// toDepthPixel projects a camera-space point into the depth image.
func (d *SyntheticDevice) toDepthPixel(p kinect.Vec3) (float32, float32) {
	fx := float64(d.cfg.DepthWidth) / 2 / math.Tan(depthHFOV/2)
	fy := float64(d.cfg.DepthHeight) / 2 / math.Tan(depthVFOV/2)
	u := float64(d.cfg.DepthWidth)/2 + float64(p.X)*fx/float64(p.Z)
	v := float64(d.cfg.DepthHeight)/2 - float64(p.Y)*fy/float64(p.Z)
	return float32(u), float32(v)
}

// paintBody fills a capsule around each limb segment of b.
func (d *SyntheticDevice) paintBody(b *kinect.Body, slot uint8, depth []uint16, index []uint8) {
	w, h := d.cfg.DepthWidth, d.cfg.DepthHeight
	zmm := uint16(b.Joints[kinect.JointSpineMid].World.Z * 1000)
	// Limb radius shrinks with distance.
	radius := 0.08 * float64(w) / 2 / math.Tan(depthHFOV/2) / float64(b.Joints[kinect.JointSpineMid].World.Z)
	if radius < 1 {
		radius = 1
	}

	for _, bone := range bones {
		a := b.Joints[bone[0]].Depth
		c := b.Joints[bone[1]].Depth
		minX := int(math.Floor(math.Min(float64(a.X), float64(c.X)) - radius))
		maxX := int(math.Ceil(math.Max(float64(a.X), float64(c.X)) + radius))
		minY := int(math.Floor(math.Min(float64(a.Y), float64(c.Y)) - radius))
		maxY := int(math.Ceil(math.Max(float64(a.Y), float64(c.Y)) + radius))
		minX, maxX = max(minX, 0), min(maxX, w-1)
		minY, maxY = max(minY, 0), min(maxY, h-1)
		for y := minY; y <= maxY; y++ {
			for x := minX; x <= maxX; x++ {
				if segmentDistance(float64(x), float64(y), a, c) > radius {
					continue
				}
				i := y*w + x
				if depth[i] > zmm {
					depth[i] = zmm
					index[i] = slot
				}
			}
		}
	}
}

var bones = [...][2]kinect.JointType{
	{kinect.JointHead, kinect.JointNeck},
	{kinect.JointNeck, kinect.JointSpineShoulder},
	{kinect.JointSpineShoulder, kinect.JointSpineMid},
	{kinect.JointSpineMid, kinect.JointSpineBase},
	{kinect.JointSpineShoulder, kinect.JointShoulderLeft},
	{kinect.JointShoulderLeft, kinect.JointElbowLeft},
	{kinect.JointElbowLeft, kinect.JointWristLeft},
	{kinect.JointWristLeft, kinect.JointHandTipLeft},
	{kinect.JointSpineShoulder, kinect.JointShoulderRight},
	{kinect.JointShoulderRight, kinect.JointElbowRight},
	{kinect.JointElbowRight, kinect.JointWristRight},
	{kinect.JointWristRight, kinect.JointHandTipRight},
	{kinect.JointSpineBase, kinect.JointHipLeft},
	{kinect.JointHipLeft, kinect.JointKneeLeft},
	{kinect.JointKneeLeft, kinect.JointFootLeft},
	{kinect.JointSpineBase, kinect.JointHipRight},
	{kinect.JointHipRight, kinect.JointKneeRight},
	{kinect.JointKneeRight, kinect.JointFootRight},
}

func segmentDistance(px, py float64, a, b kinect.Vec2) float64 {
	ax, ay := float64(a.X), float64(a.Y)
	dx, dy := float64(b.X)-ax, float64(b.Y)-ay
	l2 := dx*dx + dy*dy
	t := 0.0
	if l2 > 0 {
		t = ((px-ax)*dx + (py-ay)*dy) / l2
		t = math.Max(0, math.Min(1, t))
	}
	return math.Hypot(px-(ax+t*dx), py-(ay+t*dy))
}

// Close stops the device.
func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func checkerboard(w, h int) []byte {
	const cell = 60
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			if (x/cell+y/cell)%2 == 0 {
				pix[i+0] = uint8(40 + 180*x/w)
				pix[i+1] = uint8(40 + 180*y/h)
				pix[i+2] = 200
			} else {
				pix[i+0] = 30
				pix[i+1] = 30
				pix[i+2] = 30
			}
			pix[i+3] = 255
		}
	}
	return pix
}

// ParallaxProjector approximates the Kinect v2 depth-to-color mapping with
// pinhole models for both sensors and a horizontal baseline between them.
// Samples with no depth, or that land outside the color field, map to -Inf
// like the driver reports them.
type ParallaxProjector struct {
	depthW, depthH int
	colorW, colorH int
}

// NewParallaxProjector returns a projector for the given stream sizes.
func NewParallaxProjector(depthW, depthH, colorW, colorH int) *ParallaxProjector {
	return &ParallaxProjector{depthW: depthW, depthH: depthH, colorW: colorW, colorH: colorH}
}

// MapDepthFrameToColorSpace fills dst with one color coordinate per depth
// sample, in row-major order.
func (p *ParallaxProjector) MapDepthFrameToColorSpace(depth []uint16, dst []kinect.ColorSpacePoint) error {
	n := p.depthW * p.depthH
	if len(depth) != n || len(dst) != n {
		return fmt.Errorf("%w: projector expects %d samples, got depth %d dst %d",
			kinect.ErrDimensionMismatch, n, len(depth), len(dst))
	}
	dfx := float64(p.depthW) / 2 / math.Tan(depthHFOV/2)
	dfy := float64(p.depthH) / 2 / math.Tan(depthVFOV/2)
	cfx := float64(p.colorW) / 2 / math.Tan(colorHFOV/2)
	cfy := float64(p.colorH) / 2 / math.Tan(colorVFOV/2)
	ninf := float32(math.Inf(-1))

	for y := 0; y < p.depthH; y++ {
		for x := 0; x < p.depthW; x++ {
			i := y*p.depthW + x
			mm := depth[i]
			if mm == 0 {
				dst[i] = kinect.ColorSpacePoint{X: ninf, Y: ninf}
				continue
			}
			z := float64(mm) / 1000
			wx := (float64(x) - float64(p.depthW)/2) * z / dfx
			wy := (float64(p.depthH)/2 - float64(y)) * z / dfy
			cx := float64(p.colorW)/2 + (wx+baselineMetres)*cfx/z
			cy := float64(p.colorH)/2 - wy*cfy/z
			if cx < 0 || cx >= float64(p.colorW) || cy < 0 || cy >= float64(p.colorH) {
				dst[i] = kinect.ColorSpacePoint{X: ninf, Y: ninf}
				continue
			}
			dst[i] = kinect.ColorSpacePoint{X: float32(cx), Y: float32(cy)}
		}
	}
	return nil
}
