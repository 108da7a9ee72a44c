package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/duplikit/duplikit/pkg/types"
)

// PercentUnknown is returned by Percent when the total byte count is not
// yet known.
const PercentUnknown = float64(-1)

// Tracker derives percent-complete, instantaneous rate and staleness from a
// stream of cumulative telemetry samples for one session. Samples may
// arrive duplicated or out of order; any sample whose cumulative count is
// below the highest accepted value is ignored.
type Tracker struct {
	mu        sync.Mutex
	window    time.Duration
	staleness time.Duration

	total   int64
	highest int64
	lastAt  time.Time
	samples []types.ProgressSample
}

// NewTracker creates a tracker. The window bounds the sliding average used
// for the rate; staleness is how long after the last sample the rate is
// reported as zero.
func NewTracker(window, staleness time.Duration) *Tracker {
	return &Tracker{
		window:    window,
		staleness: staleness,
	}
}

// SetTotal records the expected total byte count once it is known
func (t *Tracker) SetTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.total = total
}

// Observe ingests one sample. It returns true if the sample advanced the
// cumulative counter, false if it was a duplicate or stale retry. Rejected
// samples are not an error condition.
func (t *Tracker) Observe(sample types.ProgressSample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sample.BytesTransferred < t.highest {
		return false
	}
	advanced := sample.BytesTransferred > t.highest
	t.highest = sample.BytesTransferred
	if sample.Timestamp.After(t.lastAt) {
		t.lastAt = sample.Timestamp
	}

	t.samples = append(t.samples, sample)
	sort.Slice(t.samples, func(i, j int) bool {
		return t.samples[i].Timestamp.Before(t.samples[j].Timestamp)
	})
	t.prune(sample.Timestamp)

	return advanced
}

// prune drops samples older than the window. Caller holds the lock.
func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples)-1 && t.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]
}

// Bytes returns the highest accepted cumulative byte count
func (t *Tracker) Bytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.highest
}

// Rate returns the sliding-window average transfer rate in bytes per
// second. It returns zero when fewer than two samples span the window or
// when no sample has arrived within the staleness deadline.
func (t *Tracker) Rate(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lastAt.IsZero() || now.Sub(t.lastAt) > t.staleness {
		return 0
	}
	if len(t.samples) < 2 {
		return 0
	}

	first := t.samples[0]
	last := t.samples[len(t.samples)-1]
	elapsed := last.Timestamp.Sub(first.Timestamp).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.BytesTransferred-first.BytesTransferred) / elapsed
}

// Percent returns progress in [0, 100], or PercentUnknown when the total
// has not been reported yet.
func (t *Tracker) Percent() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.total <= 0 {
		return PercentUnknown
	}
	pct := float64(t.highest) / float64(t.total) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Stale reports whether no sample has arrived within the staleness window
func (t *Tracker) Stale(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastAt.IsZero() || now.Sub(t.lastAt) > t.staleness
}
