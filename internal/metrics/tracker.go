package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// ringSize bounds the per-operation sample history.
const ringSize = 512

// Stats are rolling percentile statistics for one operation.
type Stats struct {
	Operation string        `json:"operation"`
	Count     int           `json:"count"`
	Failures  int           `json:"failures"`
	P50       time.Duration `json:"p50"`
	P90       time.Duration `json:"p90"`
	P95       time.Duration `json:"p95"`
	P99       time.Duration `json:"p99"`
}

// BreachFunc is notified when an operation exceeds its latency bound.
type BreachFunc func(operation string, d time.Duration)

type ring struct {
	samples  [ringSize]time.Duration
	n        int // total observed
	failures int
}

func (r *ring) add(d time.Duration) {
	r.samples[r.n%ringSize] = d
	r.n++
}

func (r *ring) size() int {
	if r.n < ringSize {
		return r.n
	}
	return ringSize
}

// Tracker keeps rolling per-operation latency samples, computes
// percentiles for the health endpoint, and raises threshold-exceeded
// events that feed the breaker registry.
type Tracker struct {
	mu       sync.Mutex
	rings    map[string]*ring
	bounds   map[string]time.Duration
	onBreach BreachFunc
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rings:  make(map[string]*ring),
		bounds: make(map[string]time.Duration),
	}
}

// SetBound configures the latency bound for an operation.
func (t *Tracker) SetBound(operation string, bound time.Duration) {
	t.mu.Lock()
	t.bounds[operation] = bound
	t.mu.Unlock()
}

// OnBreach installs the threshold-exceeded handler.
func (t *Tracker) OnBreach(fn BreachFunc) {
	t.mu.Lock()
	t.onBreach = fn
	t.mu.Unlock()
}

// Observe records one timed operation. The prometheus histogram gets
// every sample; a bound breach fires the handler outside the lock.
func (t *Tracker) Observe(operation string, d time.Duration, success bool) {
	StageLatency.WithLabelValues(operation).Observe(float64(d.Milliseconds()))

	t.mu.Lock()
	r, ok := t.rings[operation]
	if !ok {
		r = &ring{}
		t.rings[operation] = r
	}
	r.add(d)
	if !success {
		r.failures++
	}
	bound, bounded := t.bounds[operation]
	fn := t.onBreach
	t.mu.Unlock()

	if bounded && d > bound {
		LatencyBreaches.WithLabelValues(operation).Inc()
		if fn != nil {
			fn(operation, d)
		}
	}
}

// Time runs fn and records its duration under the operation name.
func (t *Tracker) Time(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.Observe(operation, time.Since(start), err == nil)
	return err
}

// StatsFor computes percentiles for one operation.
func (t *Tracker) StatsFor(operation string) Stats {
	t.mu.Lock()
	r, ok := t.rings[operation]
	if !ok {
		t.mu.Unlock()
		return Stats{Operation: operation}
	}
	size := r.size()
	samples := make([]time.Duration, size)
	copy(samples, r.samples[:size])
	stats := Stats{Operation: operation, Count: r.n, Failures: r.failures}
	t.mu.Unlock()

	if size == 0 {
		return stats
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	stats.P50 = percentile(samples, 0.50)
	stats.P90 = percentile(samples, 0.90)
	stats.P95 = percentile(samples, 0.95)
	stats.P99 = percentile(samples, 0.99)
	return stats
}

// Snapshot returns stats for every tracked operation.
func (t *Tracker) Snapshot() []Stats {
	t.mu.Lock()
	operations := make([]string, 0, len(t.rings))
	for op := range t.rings {
		operations = append(operations, op)
	}
	t.mu.Unlock()

	sort.Strings(operations)
	all := make([]Stats, 0, len(operations))
	for _, op := range operations {
		all = append(all, t.StatsFor(op))
	}
	return all
}

// percentile indexes into sorted samples the way the load simulation
// does: ceil(q*n)-1.
func percentile(sorted []time.Duration, q float64) time.Duration {
	idx := int(math.Ceil(float64(len(sorted))*q)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
