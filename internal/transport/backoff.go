package transport

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: Base doubled per attempt, capped at Max,
// then spread by +/- Jitter (a fraction in [0, 1]).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means retry forever
	Jitter      float64
}

// DefaultBackoff is used when no reconnect configuration is given.
var DefaultBackoff = Backoff{
	Base:        250 * time.Millisecond,
	Max:         30 * time.Second,
	MaxAttempts: 8,
	Jitter:      0.2,
}

// Validate checks the parameters.
func (b Backoff) Validate() error {
	if b.Base <= 0 {
		return fmt.Errorf("backoff base must be positive, got %s", b.Base)
	}
	if b.Max < b.Base {
		return fmt.Errorf("backoff max %s is below base %s", b.Max, b.Base)
	}
	if b.MaxAttempts < 0 {
		return fmt.Errorf("backoff max attempts must be >= 0, got %d", b.MaxAttempts)
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		return fmt.Errorf("backoff jitter must be within [0, 1], got %v", b.Jitter)
	}
	return nil
}

// Delay returns the wait before the given 1-based attempt. rnd returns a
// value in [0, 1); nil uses math/rand/v2.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	if b.Jitter > 0 {
		if rnd == nil {
			rnd = rand.Float64
		}
		spread := (rnd()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + spread))
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Exhausted reports whether attempt exceeds the retry cap.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
