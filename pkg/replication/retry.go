package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// ErrRetryable marks errors after which the replica registers again.
var ErrRetryable = errors.New("retryable replication error")

var ErrRetriesExhausted = errors.New("replication retries exhausted")

type RetryConfig struct {
	Interval time.Duration
	Backoff  int
	// MaxAttempts caps consecutive failed attempts, 0 means unlimited.
	MaxAttempts int
	MaxInterval time.Duration
}

// Retryer runs retryFunc until it succeeds, returns an error that is not
// ErrRetryable, the attempts run out, or ctx is done.
type Retryer struct {
	retryFunc func(ctx context.Context) error
	cfg       RetryConfig
	failures  int
}

func NewRetryer(retryFunc func(ctx context.Context) error, cfg RetryConfig) *Retryer {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Backoff < 1 {
		cfg.Backoff = 1
	}
	return &Retryer{retryFunc: retryFunc, cfg: cfg}
}

// Reset forgets earlier failures. retryFunc calls it once an attempt made
// progress, so only consecutive failures count.
func (r *Retryer) Reset() {
	r.failures = 0
}

func (r *Retryer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, ErrRetryable) {
			slog.Warn("caught a non-retryable error", "error", err)
			return err
		}

		r.failures++
		if r.cfg.MaxAttempts > 0 && r.failures >= r.cfg.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, r.failures, err)
		}

		interval := retryInterval(r.cfg.Interval, r.cfg.Backoff, r.failures-1, r.cfg.MaxInterval)
		slog.Warn("caught a retryable error, retrying",
			"interval", interval,
			"attempt", r.failures,
			"error", err,
		)

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int, limit time.Duration) time.Duration {
	f := float64(interval) * math.Pow(float64(backoffCoeff), float64(retryCount))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
