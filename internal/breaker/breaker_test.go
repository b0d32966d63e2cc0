package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/ksred/tradegate/internal/types"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CooldownBackoff:  2.0,
		MaxCooldown:      5 * time.Minute,
		HalfOpenTrials:   1,
		SuccessesToClose: 2,
	}
}

// fakeClock lets tests move breaker time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	b := New("primary:orders", testConfig())
	b.now = clock.now
	return b, clock
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("State() = %v after 2 failures, want CLOSED", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after 3 failures, want OPEN", b.State())
	}
	if b.Allow() {
		t.Error("Allow() = true while open inside cooldown")
	}
}

func TestBreakerRollingWindow(t *testing.T) {
	b, clock := newTestBreaker()

	b.RecordFailure()
	b.RecordFailure()
	clock.advance(2 * time.Minute) // both failures age out

	b.RecordFailure()
	if b.State() != StateClosed {
		t.Errorf("State() = %v, want CLOSED: old failures left the window", b.State())
	}
	if got := b.FailureCount(); got != 1 {
		t.Errorf("FailureCount() = %d, want 1", got)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(31 * time.Second)

	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown, want trial admitted")
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v, want HALF_OPEN", b.State())
	}
	// Only one trial slot.
	if b.Allow() {
		t.Error("Allow() = true for second concurrent trial, want false")
	}

	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatalf("State() = %v after 1 success, want HALF_OPEN", b.State())
	}
	if !b.Allow() {
		t.Fatal("Allow() = false for second trial after success")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Errorf("State() = %v after %d successes, want CLOSED", b.State(), testConfig().SuccessesToClose)
	}
}

func TestBreakerHalfOpenFailureBacksOff(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clock.advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("Allow() = false after cooldown")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after half-open failure, want OPEN", b.State())
	}

	// The original cooldown is no longer enough: backoff doubled it.
	clock.advance(31 * time.Second)
	if b.Allow() {
		t.Error("Allow() = true before backed-off cooldown elapsed")
	}
	clock.advance(30 * time.Second)
	if !b.Allow() {
		t.Error("Allow() = false after backed-off cooldown elapsed")
	}
}

func TestBreakerTripAndReset(t *testing.T) {
	b, clock := newTestBreaker()

	b.Trip(10 * time.Minute)
	if b.State() != StateOpen {
		t.Fatalf("State() = %v after Trip, want OPEN", b.State())
	}
	clock.advance(5 * time.Minute)
	if b.CanExecute() {
		t.Error("CanExecute() = true inside trip cooldown")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Errorf("State() = %v after Reset, want CLOSED", b.State())
	}
	if !b.Allow() {
		t.Error("Allow() = false after Reset")
	}
}

func TestRegistryDoClassifiesErrors(t *testing.T) {
	r := NewRegistry(testConfig())
	key := Key("primary", "orders")

	// Business-level venue answers do not count as breaker failures.
	for i := 0; i < 10; i++ {
		err := r.Do(key, func() error {
			return types.NewOrderRejectedError("primary", "", "insufficient liquidity")
		})
		if err == nil {
			t.Fatal("Do() = nil, want rejection error passed through")
		}
	}
	if got := r.Breaker(key).State(); got != StateClosed {
		t.Fatalf("State() = %v after business rejections, want CLOSED", got)
	}

	// Dependency failures do.
	for i := 0; i < 3; i++ {
		r.Do(key, func() error {
			return types.NewConnectionError("primary", nil)
		})
	}
	if got := r.Breaker(key).State(); got != StateOpen {
		t.Fatalf("State() = %v after connection failures, want OPEN", got)
	}

	err := r.Do(key, func() error {
		t.Fatal("call executed while breaker open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Do() = %v while open, want ErrOpen", err)
	}
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry(testConfig())
	key := Key("primary", "market_data")

	cache := NewTickerCache()
	cache.Store(key, types.Ticker{Symbol: "BTC-USD", Last: 50000})
	r.RegisterFallback(key, cache.Fallback)

	r.Breaker(key).Trip(time.Minute)

	result, err := r.DoWithFallback(key, func() error {
		t.Fatal("call executed while breaker open")
		return nil
	})
	if err != nil {
		t.Fatalf("DoWithFallback() error = %v, want fallback result", err)
	}

	stale, ok := result.(*StaleTicker)
	if !ok {
		t.Fatalf("DoWithFallback() result = %T, want *StaleTicker", result)
	}
	if !stale.Stale {
		t.Error("fallback ticker not flagged stale")
	}
	if stale.Last != 50000 {
		t.Errorf("fallback Last = %v, want 50000", stale.Last)
	}
}

func TestRegistryFallbackMissing(t *testing.T) {
	r := NewRegistry(testConfig())
	key := Key("secondary", "market_data")
	r.Breaker(key).Trip(time.Minute)

	_, err := r.DoWithFallback(key, func() error { return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("DoWithFallback() without fallback = %v, want ErrOpen", err)
	}
}

func TestNoteLatencyBreachCountsTowardTrip(t *testing.T) {
	r := NewRegistry(testConfig())
	key := Key("primary", "orders")

	for i := 0; i < 3; i++ {
		r.NoteLatencyBreach(key)
	}
	if got := r.Breaker(key).State(); got != StateOpen {
		t.Errorf("State() = %v after latency breaches, want OPEN", got)
	}
}
