package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var ErrDialExhausted = errors.New("session: connect attempts exhausted")

// Delay returns the pause before retry n (1-based) of a failed connect. The
// pause grows by Multiplier from InitialDelay and stops at MaxDelay. With
// Jitter and a source it is drawn from the upper half of that value.
func (b BackoffConfig) Delay(retry int, rng *rand.Rand) time.Duration {
	if retry < 1 || b.InitialDelay <= 0 {
		return 0
	}
	grow := max(b.Multiplier, 1)
	d := float64(b.InitialDelay)
	for i := 1; i < retry; i++ {
		d *= grow
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			break
		}
	}
	if b.MaxDelay > 0 {
		d = min(d, float64(b.MaxDelay))
	}
	if b.Jitter && rng != nil {
		d = d/2 + rng.Float64()*d/2
	}
	return time.Duration(d)
}

// Redial runs dial until it succeeds, making at most attempts tries. Each
// try is bounded by cfg.ConnectTimeout and failed tries are spaced by
// cfg.Backoff. retry, if set, sees each failure before its pause.
func Redial[T any](ctx context.Context, cfg Config, attempts int, rng *rand.Rand,
	dial func(ctx context.Context) (T, error),
	retry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T
	attempts = max(attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := dialOnce(ctx, cfg.ConnectTimeout, dial)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if attempt == attempts || ctx.Err() != nil {
			break
		}
		delay := cfg.Backoff.Delay(attempt, rng)
		if retry != nil {
			retry(attempt, delay, err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("%w (%d): %w", ErrDialExhausted, attempts, lastErr)
}

func dialOnce[T any](ctx context.Context, timeout time.Duration, dial func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return dial(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return dial(ctx)
}
