package testutil

import (
	"context"
	"sync"
	"time"
)

// FixedJitter returns a random source that always yields v. Use it for
// backoff jitter so reconnect delays are exact in assertions.
func FixedJitter(v float64) func() float64 {
	return func() float64 { return v }
}

// SequenceRand yields values in order, repeating the last one when
// exhausted. With no values it yields 0.
//
// Thread-safety: safe for concurrent use.
func SequenceRand(values ...float64) func() float64 {
	var mu sync.Mutex
	i := 0
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		if len(values) == 0 {
			return 0
		}
		v := values[min(i, len(values)-1)]
		i++
		return v
	}
}

// SleepRecorder stands in for a context-aware sleep. It returns
// immediately, records every requested delay and honours cancellation.
//
// Thread-safety: safe for concurrent use.
type SleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records d and returns ctx.Err().
func (r *SleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Delays returns a copy of the recorded delays.
func (r *SleepRecorder) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}
