package pipeline

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/kv2share/internal/config"
	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/kinect/l1frames"
	"github.com/banshee-data/kv2share/internal/kinect/l2registration"
	"github.com/banshee-data/kv2share/internal/kinect/l3keying"
	"github.com/banshee-data/kv2share/internal/kinect/l4bodies"
	"github.com/banshee-data/kv2share/internal/osc"
	"github.com/banshee-data/kv2share/internal/timeutil"
)

// ErrExitRequested is returned by Tick once a remote shutdown request has
// been honoured. The final status message has already been sent.
var ErrExitRequested = errors.New("exit requested")

// ErrPointerRange is returned by SendPointer for coordinates that do not
// fit an OSC int32.
var ErrPointerRange = errors.New("pointer coordinates out of int32 range")

// Reserved OSC addresses.
const (
	ExitAddress    = "/app-exit"
	PointerAddress = "/mousemove/1"
)

// Status strings sent on the status address.
const (
	StatusFieldUpdated = "fieldUpdated"
	StatusClosed       = "closed"
)

// Publisher sends outbound OSC messages. Send must not block.
type Publisher interface {
	Send(msg osc.Message) error
}

// Inbox yields inbound control messages without blocking.
type Inbox interface {
	Poll() (osc.Message, bool)
}

// Retargeter is implemented by publishers that can switch destination.
type Retargeter interface {
	Retarget(host string, port int) error
}

// Rebinder is implemented by inboxes that can move to a new port.
type Rebinder interface {
	Rebind(port int)
}

// Sink observes completed ticks. HandleTick runs on the tick goroutine and
// must return quickly; the frame and foreground are only valid for the
// duration of the call.
type Sink interface {
	HandleTick(TickReport)
}

// TickReport describes one completed tick to sinks.
type TickReport struct {
	At         time.Time
	Config     config.Snapshot
	Status     Status
	Frame      *kinect.Frame // nil when streams were not ready
	Foreground *image.RGBA   // nil unless keying ran this tick
}

// Status is the externally observable state after the latest tick.
type Status struct {
	Tick                  uint64    `json:"tick"`
	State                 State     `json:"state"`
	StreamsReady          bool      `json:"streams_ready"`
	FrameSeq              uint64    `json:"frame_seq"`
	TrackedBodies         int       `json:"tracked_bodies"`
	RegistrationAvailable bool      `json:"registration_available"`
	KeyingApplied         bool      `json:"keying_applied"`
	Mode                  string    `json:"mode"`
	TickMessages          int       `json:"tick_messages"`
	MessagesSent          uint64    `json:"messages_sent"`
	SendErrors            uint64    `json:"send_errors"`
	ConfigVersion         uint64    `json:"config_version"`
	ExitRequested         bool      `json:"exit_requested"`
	Outcome               string    `json:"outcome"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Config wires a Cycle.
type Config struct {
	Device    l1frames.Device
	Projector l2registration.Projector // nil until the device supplies one
	Publisher Publisher
	Inbox     Inbox // optional
	Store     *config.Store
	Clock     timeutil.Clock
	Sinks     []Sink
}

// Cycle executes fusion ticks. Tick and Close must be called from a single
// goroutine; Status, Foreground and SendPointer are safe from any goroutine.
type Cycle struct {
	device    l1frames.Device
	publisher Publisher
	inbox     Inbox
	store     *config.Store
	clock     timeutil.Clock
	sinks     []Sink

	registrar *l2registration.Registrar
	keyer     *l3keying.Keyer

	applied       config.Snapshot
	exitRequested bool
	regWasUp      bool
	tick          uint64
	geometry      *frameGeometry // fixed by the first ready frame

	state      atomic.Int32
	status     atomic.Pointer[Status]
	foreground atomic.Pointer[image.RGBA]
	sent       atomic.Uint64
	sendErr    atomic.Uint64

	closeOnce sync.Once
}

// New validates cfg and returns an idle cycle. The joint table is checked
// here so a mismatched build never publishes.
func New(cfg Config) (*Cycle, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("pipeline: device is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("pipeline: publisher is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline: config store is required")
	}
	if err := l4bodies.CheckJointTable(); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	snap := cfg.Store.Snapshot()
	c := &Cycle{
		device:    cfg.Device,
		publisher: cfg.Publisher,
		inbox:     cfg.Inbox,
		store:     cfg.Store,
		clock:     clock,
		sinks:     cfg.Sinks,
		registrar: l2registration.NewRegistrar(cfg.Projector),
		keyer:     l3keying.NewKeyer(snap.KeyingWorkers),
		applied:   snap,
		regWasUp:  true,
	}
	c.status.Store(&Status{State: StateIdle, ConfigVersion: snap.Version, Mode: l4bodies.ModeFor(snap.JSONGrouped).String()})
	return c, nil
}

// SetProjector installs the device's coordinate mapper.
func (c *Cycle) SetProjector(p l2registration.Projector) {
	c.registrar.SetProjector(p)
}

// State returns the current state.
func (c *Cycle) State() State {
	return State(c.state.Load())
}

func (c *Cycle) setState(s State) {
	c.state.Store(int32(s))
}

// Status returns the status recorded at the end of the latest tick.
func (c *Cycle) Status() Status {
	return *c.status.Load()
}

// Foreground returns the image keyed by the latest tick. It is nil when
// that tick did not key, so a frozen image is never shown after keying
// stops.
func (c *Cycle) Foreground() *image.RGBA {
	return c.foreground.Load()
}

// Registration returns the latest completed registration table, or nil.
func (c *Cycle) Registration() *l2registration.Table {
	return c.registrar.Latest()
}

// Tick runs one cycle. It returns nil for normal and not-ready ticks,
// ErrExitRequested once a remote exit was honoured, and a wrapped
// kinect.ErrDimensionMismatch or device error for fatal conditions.
func (c *Cycle) Tick() error {
	if c.State() == StateExiting {
		return ErrExitRequested
	}
	c.tick++
	snap := c.store.Snapshot()
	c.applyConfig(snap)
	c.drainInbox()

	st := Status{
		Tick:          c.tick,
		ConfigVersion: snap.Version,
		Mode:          l4bodies.ModeFor(snap.JSONGrouped).String(),
	}
	report := TickReport{At: c.clock.Now(), Config: snap}

	err := c.run(snap, &st, &report)

	st.MessagesSent = c.sent.Load()
	st.SendErrors = c.sendErr.Load()
	st.ExitRequested = c.exitRequested
	st.UpdatedAt = report.At
	if err != nil {
		st.Outcome = OutcomeFailed
	}

	if err == nil && c.exitRequested {
		st.Outcome = OutcomeExiting
		c.setState(StateExiting)
		st.State = StateExiting
		c.finish(snap)
		err = ErrExitRequested
	} else if err == nil {
		c.setState(StateIdle)
		st.State = StateIdle
	} else {
		st.State = c.State()
	}
	c.status.Store(&st)
	c.foreground.Store(report.Foreground)

	report.Status = st
	for _, s := range c.sinks {
		s.HandleTick(report)
	}
	return err
}

func (c *Cycle) run(snap config.Snapshot, st *Status, report *TickReport) error {
	c.setState(StateFetching)
	frame, err := c.device.FetchFrame()
	if errors.Is(err, l1frames.ErrNotReady) || (err == nil && !frame.StreamsReady()) {
		st.Outcome = OutcomeNotReady
		tracef("tick %d: streams not ready", c.tick)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetch frame: %w", err)
	}
	if err := frame.Validate(); err != nil {
		opsf("tick %d: %v", c.tick, err)
		return err
	}
	if err := c.checkGeometry(frame); err != nil {
		opsf("tick %d: %v", c.tick, err)
		return err
	}
	st.StreamsReady = true
	st.FrameSeq = frame.Seq
	st.TrackedBodies = frame.TrackedCount()
	st.Outcome = OutcomePublished
	report.Frame = frame

	if snap.KeyingEnabled {
		fg, err := c.registerAndKey(frame, st)
		if err != nil {
			return err
		}
		report.Foreground = fg
	}

	c.setState(StateEncoding)
	msgs, err := l4bodies.Encode(l4bodies.ModeFor(snap.JSONGrouped), frame.Bodies)
	if err != nil {
		return err
	}

	c.setState(StatePublishing)
	for _, m := range msgs {
		c.send(m)
	}
	st.TickMessages = len(msgs)
	tracef("tick %d: frame %d, %d tracked, %d messages", c.tick, frame.Seq, st.TrackedBodies, len(msgs))
	return nil
}

// frameGeometry is the stream layout the buffers were sized for.
type frameGeometry struct {
	depthW, depthH           int
	colorW, colorH, channels int
}

func geometryOf(f *kinect.Frame) frameGeometry {
	return frameGeometry{
		depthW:   f.Depth.Width,
		depthH:   f.Depth.Height,
		colorW:   f.Color.Width,
		colorH:   f.Color.Height,
		channels: f.Color.Channels,
	}
}

// checkGeometry pins the stream layout to the first ready frame. The
// device does not change resolution mid-session, so a later change means
// the streams are crossed.
func (c *Cycle) checkGeometry(f *kinect.Frame) error {
	g := geometryOf(f)
	if c.geometry == nil {
		c.geometry = &g
		return nil
	}
	if want := *c.geometry; g != want {
		return fmt.Errorf("%w: frame %d is depth %dx%d color %dx%dx%d, session started at depth %dx%d color %dx%dx%d",
			kinect.ErrDimensionMismatch, f.Seq,
			g.depthW, g.depthH, g.colorW, g.colorH, g.channels,
			want.depthW, want.depthH, want.colorW, want.colorH, want.channels)
	}
	return nil
}

func (c *Cycle) registerAndKey(frame *kinect.Frame, st *Status) (*image.RGBA, error) {
	c.setState(StateRegistering)
	table, err := c.registrar.Register(frame.Seq, frame.Depth)
	if errors.Is(err, l2registration.ErrUnavailable) {
		if c.regWasUp {
			diagf("registration unavailable, keying skipped until it recovers: %v", err)
		}
		c.regWasUp = false
		st.Outcome = OutcomeKeyingSkipped
		return nil, nil
	}
	if err != nil {
		opsf("tick %d: %v", c.tick, err)
		return nil, err
	}
	if !c.regWasUp {
		diagf("registration available again")
	}
	c.regWasUp = true
	st.RegistrationAvailable = true

	c.setState(StateKeying)
	fg, err := c.keyer.Key(frame, table)
	if err != nil {
		opsf("tick %d: %v", c.tick, err)
		return nil, err
	}
	st.KeyingApplied = true
	return fg, nil
}

func (c *Cycle) send(m osc.Message) bool {
	if err := c.publisher.Send(m); err != nil {
		c.sendErr.Add(1)
		return false
	}
	c.sent.Add(1)
	return true
}

// applyConfig reacts to a new configuration version.
func (c *Cycle) applyConfig(snap config.Snapshot) {
	prev := c.applied
	if snap.Version == prev.Version {
		return
	}
	c.applied = snap
	diagf("config version %d applied", snap.Version)

	if !snap.SameDestination(prev) {
		if r, ok := c.publisher.(Retargeter); ok {
			if err := r.Retarget(snap.Host, snap.OutputPort); err != nil {
				opsf("retarget to %s:%d failed: %v", snap.Host, snap.OutputPort, err)
			}
		}
		c.send(osc.NewMessage(snap.StatusAddress, StatusFieldUpdated))
	}
	if snap.InputPort != prev.InputPort {
		if r, ok := c.inbox.(Rebinder); ok {
			r.Rebind(snap.InputPort)
		}
	}
	if snap.KeyingWorkers != prev.KeyingWorkers {
		c.keyer.SetWorkers(snap.KeyingWorkers)
	}
}

// drainInbox consumes every pending control message.
func (c *Cycle) drainInbox() {
	if c.inbox == nil {
		return
	}
	for {
		m, ok := c.inbox.Poll()
		if !ok {
			return
		}
		c.handleControl(m)
	}
}

func (c *Cycle) handleControl(m osc.Message) {
	switch m.Address {
	case ExitAddress:
		if len(m.Arguments) == 0 {
			diagf("ignoring %s without argument", ExitAddress)
			return
		}
		if osc.Truthy(m.Arguments[0]) {
			if !c.exitRequested {
				opsf("remote exit requested")
			}
			c.exitRequested = true
		}
	default:
		tracef("ignoring control message %s", m.Address)
	}
}

// SendPointer forwards a pointer position to the listener as two ints.
func (c *Cycle) SendPointer(x, y int) error {
	if c.State() == StateExiting {
		return ErrExitRequested
	}
	if x < math.MinInt32 || x > math.MaxInt32 || y < math.MinInt32 || y > math.MaxInt32 {
		return fmt.Errorf("%w: (%d, %d)", ErrPointerRange, x, y)
	}
	return c.publisher.Send(osc.NewMessage(PointerAddress, int32(x), int32(y)))
}

// finish sends the final status message once.
func (c *Cycle) finish(snap config.Snapshot) {
	c.closeOnce.Do(func() {
		if !c.send(osc.NewMessage(snap.StatusAddress, StatusClosed)) {
			opsf("final status message could not be queued")
		}
		diagf("cycle closed after %d ticks", c.tick)
	})
}

// Close moves the cycle to Exiting and sends the final status message if
// Tick has not already done so.
func (c *Cycle) Close() {
	c.setState(StateExiting)
	c.finish(c.store.Snapshot())
}
