package progress

import (
	"testing"
	"time"

	"github.com/duplikit/duplikit/pkg/types"
	"github.com/stretchr/testify/assert"
)

func sample(at time.Time, bytes int64) types.ProgressSample {
	return types.ProgressSample{Timestamp: at, BytesTransferred: bytes}
}

func TestObserveMonotonicity(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	assert.True(t, tr.Observe(sample(base, 100)))
	assert.True(t, tr.Observe(sample(base.Add(time.Second), 200)))

	// Regressing sample is ignored, counter unchanged
	assert.False(t, tr.Observe(sample(base.Add(2*time.Second), 150)))
	assert.Equal(t, int64(200), tr.Bytes())
}

func TestObserveDuplicateIsIdempotent(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	tr.Observe(sample(base, 100))
	tr.Observe(sample(base.Add(10*time.Second), 1100))
	rate := tr.Rate(base.Add(10 * time.Second))

	// Replaying the last sample changes neither counter nor rate
	assert.False(t, tr.Observe(sample(base.Add(10*time.Second), 1100)))
	assert.Equal(t, int64(1100), tr.Bytes())
	assert.InDelta(t, rate, tr.Rate(base.Add(10*time.Second)), 0.001)
}

func TestRateSlidingWindow(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	// 100 bytes/sec over 10 seconds
	tr.Observe(sample(base, 0))
	tr.Observe(sample(base.Add(5*time.Second), 500))
	tr.Observe(sample(base.Add(10*time.Second), 1000))

	assert.InDelta(t, 100.0, tr.Rate(base.Add(10*time.Second)), 0.1)
}

func TestRateZeroWhenStale(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	tr.Observe(sample(base, 0))
	tr.Observe(sample(base.Add(5*time.Second), 500))

	assert.NotZero(t, tr.Rate(base.Add(6*time.Second)))
	assert.Zero(t, tr.Rate(base.Add(time.Minute)))
	assert.True(t, tr.Stale(base.Add(time.Minute)))
}

func TestRateZeroWithSingleSample(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	tr.Observe(sample(base, 500))
	assert.Zero(t, tr.Rate(base))
}

func TestOutOfOrderTimestampsStillAdvance(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	tr.Observe(sample(base.Add(2*time.Second), 200))
	// Older timestamp but higher counter: accepted, reordered internally
	assert.True(t, tr.Observe(sample(base.Add(time.Second), 300)))
	assert.Equal(t, int64(300), tr.Bytes())
}

func TestPercent(t *testing.T) {
	tr := NewTracker(30*time.Second, 15*time.Second)
	base := time.Now()

	assert.Equal(t, PercentUnknown, tr.Percent())

	tr.SetTotal(1000)
	tr.Observe(sample(base, 250))
	assert.InDelta(t, 25.0, tr.Percent(), 0.001)

	// Clamped even if an agent over-reports
	tr.Observe(sample(base.Add(time.Second), 1200))
	assert.InDelta(t, 100.0, tr.Percent(), 0.001)
}

func TestWindowPrunesOldSamples(t *testing.T) {
	tr := NewTracker(10*time.Second, time.Hour)
	base := time.Now()

	// Slow start, then fast: old samples must not drag the rate down
	tr.Observe(sample(base, 0))
	tr.Observe(sample(base.Add(60*time.Second), 60))
	tr.Observe(sample(base.Add(65*time.Second), 5060))
	tr.Observe(sample(base.Add(70*time.Second), 10060))

	// Window only covers the fast tail: ~1000 bytes/sec
	assert.InDelta(t, 1000.0, tr.Rate(base.Add(70*time.Second)), 1.0)
}
