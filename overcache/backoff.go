// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: min(Base*Factor^attempt, Cap), scaled by a
// uniform random factor in [1-Jitter, 1+Jitter].
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Factor float64
	Jitter float64

	// Rand returns a value in [0,1); nil uses math/rand/v2
	Rand func() float64
}

// NewBackoff builds the reconnect/retry policy from cfg
func NewBackoff(cfg *Config) Backoff {
	return Backoff{
		Base:   cfg.BackoffBase,
		Cap:    cfg.BackoffCap,
		Factor: cfg.BackoffFactor,
		Jitter: cfg.BackoffJitter,
	}
}

// Ceiling returns the un-jittered delay for attempt (0-based)
func (b Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Cap > 0 && (d > float64(b.Cap) || math.IsInf(d, 1)) {
		return b.Cap
	}
	return time.Duration(d)
}

// Next returns the jittered delay for attempt (0-based)
func (b Backoff) Next(attempt int) time.Duration {
	d := float64(b.Ceiling(attempt))
	if b.Jitter <= 0 {
		return time.Duration(d)
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	scale := 1 - b.Jitter + 2*b.Jitter*r()
	return time.Duration(d * scale)
}

// sleepWithContext sleeps for d or until ctx is done, whichever is first
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
