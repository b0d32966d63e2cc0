package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ksred/tradegate/internal/types"
	"github.com/rs/zerolog/log"
)

// Registry holds the registered venue adapters. New adapters must
// score 100% on the contract validator before registration succeeds.
type Registry struct {
	mu           sync.RWMutex
	adapters     map[string]Adapter
	defaultVenue string
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register validates the adapter and adds it to the registry. The
// first registered adapter becomes the default routing target.
func (r *Registry) Register(ctx context.Context, a Adapter) (*Report, error) {
	report := ValidateAdapter(ctx, a)
	if !report.Passed() {
		log.Warn().
			Str("venue", a.Name()).
			Float64("score", report.Score).
			Msg("adapter failed contract validation")
		return report, fmt.Errorf("adapter %s failed contract validation: score %.1f%%", a.Name(), report.Score)
	}

	r.mu.Lock()
	r.adapters[a.Name()] = a
	if r.defaultVenue == "" {
		r.defaultVenue = a.Name()
	}
	r.mu.Unlock()

	log.Info().Str("venue", a.Name()).Msg("adapter registered")
	return report, nil
}

// Get returns the adapter for a venue.
func (r *Registry) Get(venue string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[venue]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for venue %q", venue)
	}
	return a, nil
}

// Route selects the adapter for an order. The default policy honors
// the order's declared venue, falling back to the default venue; smart
// routing plugs in here.
func (r *Registry) Route(spec types.OrderSpec) (Adapter, error) {
	venue := spec.Venue
	if venue == "" {
		r.mu.RLock()
		venue = r.defaultVenue
		r.mu.RUnlock()
	}
	if venue == "" {
		return nil, fmt.Errorf("no venues registered")
	}
	return r.Get(venue)
}

// Names returns the registered venue names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
