package pipeline

import (
	"context"

	"github.com/banshee-data/kv2share/internal/config"
	"github.com/banshee-data/kv2share/internal/monitoring"
	"github.com/banshee-data/kv2share/internal/timeutil"
)

// Runner paces a Cycle on a clock ticker at the configured frame rate.
type Runner struct {
	cycle *Cycle
	store *config.Store
	clock timeutil.Clock
	stats *monitoring.CycleStats
}

// NewRunner returns a runner. stats may be nil.
func NewRunner(cycle *Cycle, store *config.Store, clock timeutil.Clock, stats *monitoring.CycleStats) *Runner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Runner{cycle: cycle, store: store, clock: clock, stats: stats}
}

// Stats returns the cycle statistics, or nil.
func (r *Runner) Stats() *monitoring.CycleStats { return r.stats }

// Run ticks until ctx is cancelled, a remote exit is honoured, or a tick
// fails fatally. Cancellation only takes effect between ticks. The final
// status message is sent on every exit path. It returns ErrExitRequested
// after a remote exit and nil after cancellation.
func (r *Runner) Run(ctx context.Context) error {
	fps := r.store.Snapshot().FrameRate
	ticker := r.clock.NewTicker(timeutil.FramePeriod(fps))
	defer ticker.Stop()
	defer r.cycle.Close()

	diagf("running at %d fps", fps)
	for {
		select {
		case <-ctx.Done():
			diagf("runner stopping: %v", ctx.Err())
			return nil
		case <-ticker.C():
		}

		start := r.clock.Now()
		err := r.cycle.Tick()
		if r.stats != nil {
			r.stats.Add(monitoring.CycleSample{
				At:       start,
				Duration: r.clock.Since(start),
				Outcome:  r.cycle.Status().Outcome,
			})
		}
		if err != nil {
			return err
		}

		if next := r.store.Snapshot().FrameRate; next != fps {
			fps = next
			ticker.Reset(timeutil.FramePeriod(fps))
			diagf("frame rate changed to %d fps", fps)
		}
	}
}
