package monitoring

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCycleStats_Empty(t *testing.T) {
	t.Parallel()
	c := NewCycleStats(10)
	sum := c.Summary()
	assert.Equal(t, 0, sum.Count)
	assert.Empty(t, c.Samples())
}

func TestCycleStats_Summary(t *testing.T) {
	t.Parallel()
	c := NewCycleStats(10)
	start := time.Unix(100, 0)
	for i := 0; i < 5; i++ {
		outcome := "published"
		if i == 0 {
			outcome = "not_ready"
		}
		c.Add(CycleSample{
			At:       start.Add(time.Duration(i) * 50 * time.Millisecond),
			Duration: time.Duration(i+1) * time.Millisecond,
			Outcome:  outcome,
		})
	}

	sum := c.Summary()
	assert.Equal(t, 5, sum.Count)
	assert.Equal(t, uint64(5), sum.Total)
	assert.InDelta(t, 3.0, sum.MeanMS, 1e-9)
	assert.InDelta(t, math.Sqrt(2.5), sum.StdDevMS, 1e-9)
	assert.InDelta(t, 3.0, sum.P50MS, 1e-9)
	assert.InDelta(t, 5.0, sum.P95MS, 1e-9)
	assert.InDelta(t, 5.0, sum.MaxMS, 1e-9)
	assert.InDelta(t, 20.0, sum.FPS, 1e-9)
	assert.Equal(t, map[string]int{"published": 4, "not_ready": 1}, sum.Outcomes)
}

func TestCycleStats_WindowWraps(t *testing.T) {
	t.Parallel()
	c := NewCycleStats(3)
	for i := 0; i < 7; i++ {
		c.Add(CycleSample{Duration: time.Duration(i)})
	}
	got := c.Samples()
	require.Len(t, got, 3)
	assert.Equal(t, []time.Duration{4, 5, 6}, []time.Duration{got[0].Duration, got[1].Duration, got[2].Duration})
	assert.Equal(t, uint64(7), c.Summary().Total)
}

func TestNewCycleStats_MinimumWindow(t *testing.T) {
	t.Parallel()
	c := NewCycleStats(0)
	c.Add(CycleSample{})
	c.Add(CycleSample{})
	c.Add(CycleSample{})
	assert.Len(t, c.Samples(), 2)
}
