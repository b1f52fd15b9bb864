package retry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy selects how the delay grows between attempts.
type Policy string

const (
	PolicyFixed       Policy = "fixed"
	PolicyExponential Policy = "exponential"
)

// Config describes how often and how patiently an operation is retried.
type Config struct {
	MaxAttempts int
	Policy      Policy
	Base        time.Duration
	Cap         time.Duration
	Retryable   []Kind
}

// DefaultConfig retries transient and rate-limit failures three times with
// exponential backoff starting at one second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Policy:      PolicyExponential,
		Base:        time.Second,
		Cap:         30 * time.Second,
		Retryable:   []Kind{KindTransientNetwork, KindRateLimit},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	if c.Base <= 0 {
		c.Base = def.Base
	}
	if c.Cap <= 0 {
		c.Cap = def.Cap
	}
	if c.Cap < c.Base {
		c.Cap = c.Base
	}
	if c.Retryable == nil {
		c.Retryable = def.Retryable
	}
	return c
}

// IsRetryable reports whether kind is retried under cfg.
func (c Config) IsRetryable(kind Kind) bool {
	return slices.Contains(c.withDefaults().Retryable, kind)
}

// ShouldRetry reports whether another attempt may follow attempt number
// attempt (1-based) that failed with kind. It never allows more than
// MaxAttempts attempts in total.
func ShouldRetry(kind Kind, attempt int, cfg Config) bool {
	cfg = cfg.withDefaults()
	if attempt >= cfg.MaxAttempts {
		return false
	}
	return cfg.IsRetryable(kind)
}

// NewBackOff returns the backoff sequence for cfg. Under the exponential
// policy each delay doubles until it reaches Cap; there is no jitter so the
// sequence is deterministic.
func NewBackOff(cfg Config) backoff.BackOff {
	cfg = cfg.withDefaults()
	if cfg.Policy == PolicyFixed {
		return backoff.NewConstantBackOff(cfg.Base)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = cfg.Cap
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait after failed attempt number attempt (1-based).
func Delay(attempt int, cfg Config) time.Duration {
	b := NewBackOff(cfg)
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Delays lists the waits between attempts for cfg: MaxAttempts-1 values.
func Delays(cfg Config) []time.Duration {
	cfg = cfg.withDefaults()
	b := NewBackOff(cfg)
	out := make([]time.Duration, 0, cfg.MaxAttempts-1)
	for i := 1; i < cfg.MaxAttempts; i++ {
		out = append(out, b.NextBackOff())
	}
	return out
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExhaustedError is returned when every allowed attempt failed or the last
// failure was not retryable.
type ExhaustedError struct {
	Attempts int
	Kind     Kind
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s) (%s): %v", e.Attempts, e.Kind, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Runner executes operations under a retry Config.
type Runner struct {
	Config Config
	Sleep  Sleeper
	// Classify overrides the default classifier.
	Classify func(error) Kind
	// OnRetry is called before each wait.
	OnRetry func(attempt int, kind Kind, delay time.Duration, err error)
}

// Permanent marks err as not retryable regardless of its kind.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, a failure is not retryable, or MaxAttempts
// is reached. It returns the number of attempts made.
func (r Runner) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	cfg := r.Config.withDefaults()
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}
	classify := r.Classify
	if classify == nil {
		classify = Classify
	}
	b := NewBackOff(cfg)

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return attempt, &ExhaustedError{Attempts: attempt, Kind: classify(perm.Err), Err: perm.Err}
		}
		kind := classify(err)
		if !ShouldRetry(kind, attempt, cfg) {
			return attempt, &ExhaustedError{Attempts: attempt, Kind: kind, Err: err}
		}
		delay := b.NextBackOff()
		if r.OnRetry != nil {
			r.OnRetry(attempt, kind, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return attempt, &ExhaustedError{Attempts: attempt, Kind: kind, Err: err}
		}
	}
}

// Do runs fn with cfg and real sleeping.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context, attempt int) error) (int, error) {
	return Runner{Config: cfg}.Do(ctx, fn)
}
