/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry is the single retry policy applied to outbound calls.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Policy configures bounded exponential backoff.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration
	// MaxJitter is the upper bound of random delay added to each wait.
	MaxJitter time.Duration
	// Retryable classifies errors. A nil predicate retries nothing.
	Retryable func(error) bool
}

// Validate checks that the policy has sane values.
func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 0:
		return errors.New("max attempts cannot be negative")
	case p.BaseDelay < 0:
		return errors.New("base delay cannot be negative")
	case p.MaxDelay < 0:
		return errors.New("max delay cannot be negative")
	case p.MaxJitter < 0:
		return errors.New("max jitter cannot be negative")
	}
	return nil
}

// Default waits 1s, 2s, ... between at most 3 attempts, with up to 500ms of
// jitter. Callers set Retryable.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// WithRetryable returns a copy of p using pred.
func (p Policy) WithRetryable(pred func(error) bool) Policy {
	p.Retryable = pred
	return p
}

func (p Policy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if p.MaxDelay > 0 {
		d = min(d, p.MaxDelay)
	}
	if p.MaxJitter > 0 {
		if n, err := rand.Int(rand.Reader, big.NewInt(int64(p.MaxJitter))); err == nil {
			d += time.Duration(n.Int64())
		}
	}
	return d
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func Do[T any](ctx context.Context, p Policy, operation string, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var result T
	var lastErr error
	for attempt := range attempts {
		result, lastErr = fn(ctx)
		if lastErr == nil {
			return result, nil
		}
		if p.Retryable == nil || !p.Retryable(lastErr) {
			return result, lastErr
		}
		if attempt == attempts-1 {
			break
		}

		wait := p.backoff(attempt)
		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("max_attempts", attempts).
			With("backoff", wait).
			With("error", lastErr.Error()).
			Warn("Retryable failure, backing off")

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(wait):
		}
	}
	return result, fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}
