package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config controls bounded exponential backoff with jitter:
// delay = min(InitialDelay * Multiplier^attempt + jitter, MaxDelay).
// Jitter spreads simultaneous retries apart.
type Config struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// Multiplier grows the delay after each attempt.
	Multiplier float64
	// JitterFactor is the random variation applied to each delay (0-1).
	JitterFactor float64
	// RetryIf decides whether an error is worth retrying. Nil retries
	// every error.
	RetryIf func(error) bool
	// DelayFor overrides the computed delay for an error, e.g. a
	// venue-declared retry-after. Return 0 to use the backoff delay.
	DelayFor func(error) time.Duration
	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig suits most venue calls: 3 attempts, 100ms initial
// delay doubling per attempt with 10% jitter.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.1,
	}
}

// Do runs fn until it succeeds, the attempts run out, the error is
// not retryable, or the context is cancelled. The last error is
// returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := cfg.delay(attempt, err)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func (cfg Config) delay(attempt int, err error) time.Duration {
	if cfg.DelayFor != nil {
		if d := cfg.DelayFor(err); d > 0 {
			return d
		}
	}

	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.JitterFactor > 0 {
		delay += delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
	}
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
