package progress

import (
	"math"
	"sync"
	"time"
)

const (
	DefaultWindow = 5 * time.Second
	maxSamples    = 32
)

type sample struct {
	at    time.Time
	bytes int64
}

type tracked struct {
	expected int64
	bytes    int64
	samples  []sample
}

// TaskStat is the derived progress of one task.
type TaskStat struct {
	Bytes    int64
	Expected int64
	Rate     float64
	// ETA is -1 when the size or the rate is unknown.
	ETA time.Duration
}

// Snapshot is a derived view; it shares nothing with the aggregator.
type Snapshot struct {
	Tasks map[string]TaskStat
	Bytes int64
	// Total is -1 while any tracked task has an unknown size.
	Total int64
	Rate  float64
	ETA   time.Duration
}

// Aggregator turns byte deltas into rates and ETAs over a sliding window.
type Aggregator struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	tasks  map[string]*tracked
}

func NewAggregator(window time.Duration, now func() time.Time) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		window: window,
		now:    now,
		tasks:  make(map[string]*tracked),
	}
}

// Track starts following id with initial bytes already written.
func (a *Aggregator) Track(id string, expected, initial int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tasks[id] = &tracked{
		expected: expected,
		bytes:    initial,
		samples:  []sample{{at: a.now(), bytes: initial}},
	}
}

// SetExpected records a size learned after submission.
func (a *Aggregator) SetExpected(id string, size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if t, ok := a.tasks[id]; ok {
		t.expected = size
	}
}

// Forget stops following id.
func (a *Aggregator) Forget(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.tasks, id)
}

// Record adds delta bytes to id. Non-positive deltas are ignored so the
// reported byte count never decreases.
func (a *Aggregator) Record(id string, delta int64) {
	if delta <= 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tasks[id]
	if !ok {
		return
	}
	t.bytes += delta
	t.samples = append(t.samples, sample{at: a.now(), bytes: t.bytes})
	if len(t.samples) > maxSamples {
		t.samples = append(t.samples[:0], t.samples[len(t.samples)-maxSamples:]...)
	}
}

// Snapshot computes per-task and aggregate figures.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	snap := Snapshot{Tasks: make(map[string]TaskStat, len(a.tasks))}
	totalKnown := true

	for id, t := range a.tasks {
		rate := a.rateLocked(t, now)
		snap.Tasks[id] = TaskStat{
			Bytes:    t.bytes,
			Expected: t.expected,
			Rate:     rate,
			ETA:      eta(t.expected, t.bytes, rate),
		}
		snap.Bytes += t.bytes
		snap.Rate += rate
		if t.expected < 0 {
			totalKnown = false
		} else {
			snap.Total += t.expected
		}
	}

	if !totalKnown {
		snap.Total = -1
	}
	snap.ETA = eta(snap.Total, snap.Bytes, snap.Rate)
	return snap
}

// rateLocked drops samples older than the window and measures the bytes
// gained since the oldest remaining one.
func (a *Aggregator) rateLocked(t *tracked, now time.Time) float64 {
	cutoff := now.Add(-a.window)
	keep := 0
	for keep < len(t.samples)-1 && t.samples[keep].at.Before(cutoff) {
		keep++
	}
	t.samples = t.samples[keep:]

	oldest := t.samples[0]
	if oldest.at.Before(cutoff) {
		return 0
	}
	elapsed := now.Sub(oldest.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.bytes-oldest.bytes) / elapsed
}

func eta(total, done int64, rate float64) time.Duration {
	if total < 0 {
		return -1
	}
	if done >= total {
		return 0
	}
	if rate <= 0 {
		return -1
	}
	secs := math.Ceil(float64(total-done) / rate)
	return time.Duration(secs) * time.Second
}
