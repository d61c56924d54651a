package monitoring

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// CycleSample is one completed tick.
type CycleSample struct {
	At       time.Time
	Duration time.Duration
	Outcome  string
}

// CycleSummary describes the recent window of ticks. Durations are in
// milliseconds.
type CycleSummary struct {
	Count    int            `json:"count"`
	Total    uint64         `json:"total"`
	MeanMS   float64        `json:"mean_ms"`
	StdDevMS float64        `json:"stddev_ms"`
	P50MS    float64        `json:"p50_ms"`
	P95MS    float64        `json:"p95_ms"`
	MaxMS    float64        `json:"max_ms"`
	FPS      float64        `json:"fps"`
	Outcomes map[string]int `json:"outcomes"`
}

// CycleStats keeps a bounded window of tick timings for the monitor.
type CycleStats struct {
	mu      sync.Mutex
	samples []CycleSample
	next    int
	full    bool
	total   uint64
}

// NewCycleStats keeps the last window samples. A window below two is
// raised to two so a rate can always be computed.
func NewCycleStats(window int) *CycleStats {
	if window < 2 {
		window = 2
	}
	return &CycleStats{samples: make([]CycleSample, window)}
}

// Add records a tick.
func (c *CycleStats) Add(s CycleSample) {
	c.mu.Lock()
	c.samples[c.next] = s
	c.next = (c.next + 1) % len(c.samples)
	if c.next == 0 {
		c.full = true
	}
	c.total++
	c.mu.Unlock()
}

// Samples returns the window oldest first.
func (c *CycleStats) Samples() []CycleSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]CycleSample(nil), c.samples[:c.next]...)
	}
	out := make([]CycleSample, 0, len(c.samples))
	out = append(out, c.samples[c.next:]...)
	return append(out, c.samples[:c.next]...)
}

// Summary computes statistics over the current window.
func (c *CycleStats) Summary() CycleSummary {
	samples := c.Samples()
	c.mu.Lock()
	total := c.total
	c.mu.Unlock()

	sum := CycleSummary{Count: len(samples), Total: total, Outcomes: map[string]int{}}
	if len(samples) == 0 {
		return sum
	}

	ms := make([]float64, len(samples))
	for i, s := range samples {
		ms[i] = float64(s.Duration) / float64(time.Millisecond)
		sum.Outcomes[s.Outcome]++
	}
	sum.MeanMS = stat.Mean(ms, nil)
	if len(ms) > 1 {
		sum.StdDevMS = stat.StdDev(ms, nil)
	}

	sorted := append([]float64(nil), ms...)
	sort.Float64s(sorted)
	sum.P50MS = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	sum.P95MS = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	sum.MaxMS = sorted[len(sorted)-1]

	if len(samples) > 1 {
		span := samples[len(samples)-1].At.Sub(samples[0].At)
		if span > 0 {
			sum.FPS = float64(len(samples)-1) / span.Seconds()
		}
	}
	return sum
}
