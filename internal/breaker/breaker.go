package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config tunes a breaker's state machine.
type Config struct {
	// FailureThreshold is the number of failures inside Window that
	// trips CLOSED to OPEN.
	FailureThreshold int
	// Window is the rolling window failures are counted over.
	Window time.Duration
	// Cooldown is how long OPEN rejects calls before HALF_OPEN.
	Cooldown time.Duration
	// CooldownBackoff multiplies the cooldown on each repeated trip.
	CooldownBackoff float64
	// MaxCooldown caps the backed-off cooldown.
	MaxCooldown time.Duration
	// HalfOpenTrials is how many concurrent trial calls HALF_OPEN admits.
	HalfOpenTrials int
	// SuccessesToClose is the consecutive successes needed to close.
	SuccessesToClose int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           time.Minute,
		Cooldown:         30 * time.Second,
		CooldownBackoff:  2.0,
		MaxCooldown:      5 * time.Minute,
		HalfOpenTrials:   1,
		SuccessesToClose: 2,
	}
}

// Snapshot is the externally visible breaker state.
type Snapshot struct {
	Key              string    `json:"key"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	LastTransition   time.Time `json:"last_transition"`
	CooldownDeadline time.Time `json:"cooldown_deadline,omitempty"`
}

// Breaker is a per-dependency-key finite state machine. All
// transitions happen under one mutex so concurrent callers observing
// OPEN all short-circuit without issuing the underlying call.
type Breaker struct {
	key string
	cfg Config

	mu               sync.Mutex
	state            State
	failures         []time.Time
	lastTransition   time.Time
	cooldownDeadline time.Time
	cooldown         time.Duration
	halfOpenInFlight int
	halfOpenSuccess  int

	now func() time.Time
}

// New creates a closed breaker for a dependency key.
func New(key string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Breaker{
		key:            key,
		cfg:            cfg,
		state:          StateClosed,
		cooldown:       cfg.Cooldown,
		lastTransition: time.Now(),
		now:            time.Now,
	}
}

// Allow reports whether a call may proceed, reserving a trial slot
// when half-open. Callers must follow up with RecordSuccess or
// RecordFailure for every allowed call.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Before(b.cooldownDeadline) {
			return false
		}
		b.transition(StateHalfOpen)
		b.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenTrials {
			return false
		}
		b.halfOpenInFlight++
		return true
	}
	return false
}

// CanExecute reports whether a call would currently be admitted,
// without reserving a trial slot.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		return !b.now().Before(b.cooldownDeadline)
	case StateHalfOpen:
		return b.halfOpenInFlight < b.cfg.HalfOpenTrials
	}
	return false
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = nil
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessesToClose {
			b.cooldown = b.cfg.Cooldown // trip streak over, reset backoff
			b.transition(StateClosed)
		}
	}
}

// RecordFailure notes a failed call, tripping the breaker when the
// rolling-window threshold is reached. A half-open failure reopens
// immediately with a backed-off cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		now := b.now()
		b.failures = append(b.failures, now)
		b.pruneLocked(now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.openLocked()
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.backoffLocked()
		b.openLocked()
	}
}

// FailureCount returns the failures inside the current window.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return len(b.failures)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Trip forces the breaker open for the given cooldown, regardless of
// failure counts. Used for account-level protective trips that require
// manual review.
func (b *Breaker) Trip(cooldown time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown > 0 {
		b.cooldown = cooldown
	}
	b.openLocked()
}

// Reset forces the breaker closed. Administrative action.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.cooldown = b.cfg.Cooldown
	b.transition(StateClosed)
	log.Info().Str("breaker", b.key).Msg("breaker reset")
}

// Snapshot returns the observable state for health reporting.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	snap := Snapshot{
		Key:            b.key,
		State:          b.state,
		FailureCount:   len(b.failures),
		LastTransition: b.lastTransition,
	}
	if b.state == StateOpen {
		snap.CooldownDeadline = b.cooldownDeadline
	}
	return snap
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}

func (b *Breaker) openLocked() {
	b.cooldownDeadline = b.now().Add(b.cooldown)
	b.failures = nil
	b.transition(StateOpen)
}

func (b *Breaker) backoffLocked() {
	if b.cfg.CooldownBackoff > 1 {
		b.cooldown = time.Duration(float64(b.cooldown) * b.cfg.CooldownBackoff)
		if b.cfg.MaxCooldown > 0 && b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
	}
}

func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	log.Info().
		Str("breaker", b.key).
		Str("from", string(b.state)).
		Str("to", string(to)).
		Msg("breaker state transition")
	b.state = to
	b.lastTransition = b.now()
	b.halfOpenSuccess = 0
	if to != StateHalfOpen {
		b.halfOpenInFlight = 0
	}
}
