package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Forever makes Do retry until the function succeeds, returns a permanent
// error or the context ends
const Forever = -1

// Config holds retry configuration
type Config struct {
	MaxRetries  int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64

	// OnRetry is called before each wait, if set
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns the backoff used while waiting for a log file to appear
func DefaultConfig() Config {
	return Config{
		MaxRetries:  Forever,
		InitialWait: 250 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do executes fn with exponential backoff until it succeeds. A permanent
// error is returned unwrapped.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	var lastErr error

	for attempt := 0; cfg.MaxRetries < 0 || attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var p *permanentError
		if errors.As(lastErr, &p) {
			return p.err
		}

		// Don't wait after the last attempt
		if attempt == cfg.MaxRetries {
			break
		}

		waitTime := calculateBackoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, waitTime)
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	return lastErr
}

// calculateBackoff calculates the backoff duration with exponential backoff and jitter
func calculateBackoff(attempt int, cfg Config) time.Duration {
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	// initialWait * multiplier^attempt, capped before jitter
	backoff := float64(cfg.InitialWait) * math.Pow(multiplier, float64(attempt))
	if cfg.MaxWait > 0 && backoff > float64(cfg.MaxWait) {
		backoff = float64(cfg.MaxWait)
	}

	// Add jitter (±25%)
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter

	if backoff < float64(cfg.InitialWait) {
		backoff = float64(cfg.InitialWait)
	}

	return time.Duration(backoff)
}
