package breaker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ksred/tradegate/internal/types"
)

// ErrOpen is returned when a breaker rejects a call without invoking
// the dependency.
var ErrOpen = errors.New("circuit breaker open")

// FallbackFunc produces a degraded-mode result while a breaker is
// open. Returning false means no fallback is available and the caller
// gets ErrOpen.
type FallbackFunc func(key string) (interface{}, bool)

// Registry keys breakers by dependency (venue + operation class) and
// wraps calls with breaker accounting and optional fallbacks.
type Registry struct {
	cfg Config

	mu        sync.Mutex
	breakers  map[string]*Breaker
	fallbacks map[string]FallbackFunc
}

// NewRegistry creates a registry whose breakers share one config.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:       cfg,
		breakers:  make(map[string]*Breaker),
		fallbacks: make(map[string]FallbackFunc),
	}
}

// Key builds the conventional dependency key for a venue operation
// class, e.g. Key("primary", "orders").
func Key(venue, opClass string) string {
	return venue + ":" + opClass
}

// Breaker returns the breaker for a key, creating it closed on first
// use.
func (r *Registry) Breaker(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = New(key, r.cfg)
		r.breakers[key] = b
	}
	return b
}

// RegisterFallback installs a degraded-mode strategy for a key.
func (r *Registry) RegisterFallback(key string, fn FallbackFunc) {
	r.mu.Lock()
	r.fallbacks[key] = fn
	r.mu.Unlock()
}

// Do executes call under the key's breaker. An open breaker rejects
// immediately with ErrOpen; otherwise the call outcome feeds the state
// machine. Business-level venue answers (order rejected, insufficient
// funds, market closed, invalid symbol) prove the dependency is up and
// do not count as breaker failures.
func (r *Registry) Do(key string, call func() error) error {
	b := r.Breaker(key)
	if !b.Allow() {
		return fmt.Errorf("%w: %s", ErrOpen, key)
	}

	err := call()
	if isDependencyFailure(err) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// DoWithFallback behaves like Do but consults the key's fallback when
// the breaker is open.
func (r *Registry) DoWithFallback(key string, call func() error) (interface{}, error) {
	err := r.Do(key, call)
	if !errors.Is(err, ErrOpen) {
		return nil, err
	}

	r.mu.Lock()
	fallback, ok := r.fallbacks[key]
	r.mu.Unlock()
	if !ok {
		return nil, err
	}
	if degraded, ok := fallback(key); ok {
		return degraded, nil
	}
	return nil, err
}

// NoteLatencyBreach records a latency-threshold event against the
// key's breaker. Slow-but-not-failing dependencies are a pre-failure
// signal, so breaches count toward the failure window.
func (r *Registry) NoteLatencyBreach(key string) {
	r.Breaker(key).RecordFailure()
}

// Reset force-closes one breaker. Administrative action.
func (r *Registry) Reset(key string) error {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no breaker for key %q", key)
	}
	b.Reset()
	return nil
}

// Snapshots returns the state of every breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	return snaps
}

// isDependencyFailure classifies an error for breaker accounting.
func isDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	if ae, ok := types.AsAdapterError(err); ok {
		switch ae.Kind {
		case types.ErrKindConnection, types.ErrKindRateLimit, types.ErrKindAuthentication:
			return true
		default:
			return false
		}
	}
	return true
}
