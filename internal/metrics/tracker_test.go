package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestStatsForPercentiles(t *testing.T) {
	tracker := NewTracker()
	for i := 1; i <= 100; i++ {
		tracker.Observe("dispatch", time.Duration(i)*time.Millisecond, true)
	}

	stats := tracker.StatsFor("dispatch")
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}
	if stats.P50 != 50*time.Millisecond {
		t.Errorf("P50 = %v, want 50ms", stats.P50)
	}
	if stats.P95 != 95*time.Millisecond {
		t.Errorf("P95 = %v, want 95ms", stats.P95)
	}
	if stats.P99 != 99*time.Millisecond {
		t.Errorf("P99 = %v, want 99ms", stats.P99)
	}
}

func TestStatsForUnknownOperation(t *testing.T) {
	tracker := NewTracker()
	stats := tracker.StatsFor("never_observed")
	if stats.Count != 0 || stats.P99 != 0 {
		t.Errorf("StatsFor(unknown) = %+v, want zero stats", stats)
	}
}

func TestObserveCountsFailures(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("risk", time.Millisecond, true)
	tracker.Observe("risk", time.Millisecond, false)
	tracker.Observe("risk", time.Millisecond, false)

	stats := tracker.StatsFor("risk")
	if stats.Count != 3 || stats.Failures != 2 {
		t.Errorf("Count/Failures = %d/%d, want 3/2", stats.Count, stats.Failures)
	}
}

func TestObserveRollsOverRing(t *testing.T) {
	tracker := NewTracker()

	// Fill the ring with slow samples, then overwrite with fast ones;
	// percentiles must reflect only the retained window.
	for i := 0; i < ringSize; i++ {
		tracker.Observe("persist", time.Second, true)
	}
	for i := 0; i < ringSize; i++ {
		tracker.Observe("persist", time.Millisecond, true)
	}

	stats := tracker.StatsFor("persist")
	if stats.Count != 2*ringSize {
		t.Errorf("Count = %d, want %d", stats.Count, 2*ringSize)
	}
	if stats.P99 != time.Millisecond {
		t.Errorf("P99 = %v after rollover, want 1ms", stats.P99)
	}
}

func TestBreachFiresOnlyForBoundedOperations(t *testing.T) {
	tracker := NewTracker()
	tracker.SetBound("dispatch", 10*time.Millisecond)

	var breaches []string
	tracker.OnBreach(func(operation string, d time.Duration) {
		breaches = append(breaches, operation)
	})

	tracker.Observe("dispatch", 5*time.Millisecond, true)  // inside bound
	tracker.Observe("dispatch", 20*time.Millisecond, true) // breach
	tracker.Observe("market_data", time.Hour, true)        // no bound configured

	if len(breaches) != 1 || breaches[0] != "dispatch" {
		t.Errorf("breaches = %v, want exactly [dispatch]", breaches)
	}
}

func TestTimeRecordsOutcome(t *testing.T) {
	tracker := NewTracker()

	if err := tracker.Time("risk", func() error { return nil }); err != nil {
		t.Fatalf("Time() error = %v", err)
	}
	wantErr := errors.New("evaluation failed")
	if err := tracker.Time("risk", func() error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("Time() error = %v, want passthrough", err)
	}

	stats := tracker.StatsFor("risk")
	if stats.Count != 2 || stats.Failures != 1 {
		t.Errorf("Count/Failures = %d/%d, want 2/1", stats.Count, stats.Failures)
	}
}

func TestSnapshotSorted(t *testing.T) {
	tracker := NewTracker()
	tracker.Observe("risk", time.Millisecond, true)
	tracker.Observe("dispatch", time.Millisecond, true)
	tracker.Observe("persist", time.Millisecond, true)

	snapshot := tracker.Snapshot()
	if len(snapshot) != 3 {
		t.Fatalf("Snapshot() = %d entries, want 3", len(snapshot))
	}
	want := []string{"dispatch", "persist", "risk"}
	for i, stats := range snapshot {
		if stats.Operation != want[i] {
			t.Errorf("Snapshot()[%d] = %q, want %q", i, stats.Operation, want[i])
		}
	}
}
