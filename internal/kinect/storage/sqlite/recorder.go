package sqlite

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/kv2share/internal/kinect"
	"github.com/banshee-data/kv2share/internal/kinect/pipeline"
	"github.com/banshee-data/kv2share/internal/monitoring"
)

// DefaultRecorderQueue is the number of ticks buffered between the fusion
// loop and the writer goroutine.
const DefaultRecorderQueue = 256

// RecorderStats counts recorder activity.
type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Errors   uint64 `json:"errors"`
}

// Recorder is a pipeline sink that writes ticks to a session. Ticks are
// copied on the fusion goroutine and written asynchronously; when the queue
// is full the tick is dropped rather than stalling the loop.
type Recorder struct {
	store     *Store
	sessionID string
	mu        sync.RWMutex // guards closed and sends on queue
	closed    bool
	queue     chan TickRecord
	done      chan struct{}
	closeOnce sync.Once
	started   atomic.Bool

	recorded atomic.Uint64
	dropped  atomic.Uint64
	errors   atomic.Uint64
}

// NewRecorder returns a recorder for an existing session.
func NewRecorder(store *Store, sessionID string, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = DefaultRecorderQueue
	}
	return &Recorder{
		store:     store,
		sessionID: sessionID,
		queue:     make(chan TickRecord, queueSize),
		done:      make(chan struct{}),
	}
}

// SessionID returns the session the recorder writes to.
func (r *Recorder) SessionID() string { return r.sessionID }

// Start launches the writer goroutine. The goroutine runs until Close, even
// after ctx is cancelled: ticks the loop reports during shutdown are still
// written and Close performs the final drain.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.writeLoop(ctx)
}

func (r *Recorder) writeLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	cancelled := ctx.Done()
	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				return
			}
			r.write(rec)
		case <-ticker.C:
			if n := r.dropped.Load(); n > 0 {
				monitoring.Logf("[recorder] session %s: %d ticks dropped so far", r.sessionID, n)
			}
		case <-cancelled:
			monitoring.Logf("[recorder] session %s: run cancelled, writing until close", r.sessionID)
			cancelled = nil
		}
	}
}

// write uses a background context so a cancelled run still flushes what it
// queued.
func (r *Recorder) write(rec TickRecord) {
	if err := r.store.RecordTick(context.Background(), r.sessionID, rec); err != nil {
		if r.errors.Add(1) == 1 {
			monitoring.Logf("[recorder] session %s: failed to record tick %d: %v", r.sessionID, rec.Tick, err)
		}
		return
	}
	r.recorded.Add(1)
}

// HandleTick implements pipeline.Sink.
func (r *Recorder) HandleTick(rep pipeline.TickReport) {
	if !rep.Config.RecordBodies || rep.Frame == nil {
		return
	}
	rec := TickRecord{
		Tick:          rep.Status.Tick,
		FrameSeq:      rep.Status.FrameSeq,
		At:            rep.At,
		Outcome:       rep.Status.Outcome,
		TrackedBodies: rep.Status.TrackedBodies,
		KeyingApplied: rep.Status.KeyingApplied,
		Messages:      rep.Status.TickMessages,
		Bodies:        append([]kinect.Body(nil), rep.Frame.Bodies...),
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
	}
}

// Close stops accepting ticks, waits for queued writes and stamps the
// session end.
func (r *Recorder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		if r.started.Load() {
			<-r.done
		} else {
			for rec := range r.queue {
				r.write(rec)
			}
		}
		err = r.store.EndSession(context.Background(), r.sessionID)
	})
	return err
}

// Stats returns a snapshot of the counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Errors:   r.errors.Load(),
	}
}
