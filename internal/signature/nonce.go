package signature

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Nonce is a write-once record of a used request nonce. Rows are
// inserted on first use and purged only after the timestamp window has
// elapsed; they are never updated.
type Nonce struct {
	gorm.Model `json:"-"`
	Value      string    `gorm:"uniqueIndex" json:"value"`
	SeenAt     time.Time `gorm:"index" json:"seen_at"`
}

// NonceStore tracks used nonces for replay protection. It is an
// explicitly constructed component with its own Start/Stop lifecycle
// so tests get isolated instances and multi-process deployments can
// swap in an external store. The in-memory set serves the request
// path; the optional database backing survives single-process
// restarts within the window.
type NonceStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	db     *gorm.DB // optional
	window time.Duration
	sweep  time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// DefaultSweepInterval bounds store growth between sweeps.
const DefaultSweepInterval = 10 * time.Minute

// NewNonceStore creates a store retaining nonces for the given window.
// db may be nil for a purely in-memory store.
func NewNonceStore(db *gorm.DB, window, sweepInterval time.Duration) *NonceStore {
	if window <= 0 {
		window = DefaultWindow
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	s := &NonceStore{
		seen:   make(map[string]time.Time),
		db:     db,
		window: window,
		sweep:  sweepInterval,
	}
	s.load()
	return s
}

// load rehydrates unexpired nonces from the database after a restart.
func (s *NonceStore) load() {
	if s.db == nil {
		return
	}
	var rows []Nonce
	cutoff := time.Now().Add(-s.window)
	if err := s.db.Where("seen_at > ?", cutoff).Find(&rows).Error; err != nil {
		log.Warn().Err(err).Str("component", "nonce_store").Msg("failed to load persisted nonces")
		return
	}
	for _, row := range rows {
		s.seen[row.Value] = row.SeenAt
	}
	if len(rows) > 0 {
		log.Info().Int("count", len(rows)).Str("component", "nonce_store").Msg("rehydrated nonces")
	}
}

// MarkUsed records a nonce and reports whether it had been seen
// before. The check and insert are a single critical section so
// concurrent duplicates cannot both pass.
func (s *NonceStore) MarkUsed(nonce string, seenAt time.Time) bool {
	s.mu.Lock()
	if _, ok := s.seen[nonce]; ok {
		s.mu.Unlock()
		return true
	}
	s.seen[nonce] = seenAt
	s.mu.Unlock()

	// Persist outside the lock; the map already guards the request path.
	if s.db != nil {
		if err := s.db.Create(&Nonce{Value: nonce, SeenAt: seenAt}).Error; err != nil {
			log.Warn().Err(err).Str("component", "nonce_store").Msg("failed to persist nonce")
		}
	}
	return false
}

// Len returns the number of live nonces.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Start launches the background sweep goroutine.
func (s *NonceStore) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		logger := log.With().Str("component", "nonce_store").Logger()
		logger.Info().Dur("interval", s.sweep).Msg("starting nonce sweep")

		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("stopping nonce sweep")
				return
			case <-ticker.C:
				removed := s.Sweep(time.Now())
				if removed > 0 {
					logger.Debug().Int("removed", removed).Msg("swept expired nonces")
				}
			}
		}
	}()
}

// Stop terminates the sweep goroutine and waits for it to exit.
func (s *NonceStore) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

// Sweep removes nonces older than the window and returns how many
// were removed. Exposed for tests and on-demand maintenance.
func (s *NonceStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	var expired []string
	for value, seenAt := range s.seen {
		if seenAt.Before(cutoff) {
			expired = append(expired, value)
		}
	}
	for _, value := range expired {
		delete(s.seen, value)
	}
	s.mu.Unlock()

	if s.db != nil && len(expired) > 0 {
		if err := s.db.Unscoped().Where("seen_at < ?", cutoff).Delete(&Nonce{}).Error; err != nil {
			log.Warn().Err(err).Str("component", "nonce_store").Msg("failed to purge persisted nonces")
		}
	}
	return len(expired)
}
