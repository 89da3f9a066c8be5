package retry

import (
	"math/rand"
	"time"
)

// Ceiling bounds the delay when no Max is configured.
const Ceiling = 24 * time.Hour

// Policy decides what happens to a message whose processing failed.
type Policy struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a factor in [0, 1); nil uses math/rand.
	Jitter func() float64
}

func NewPolicy(base, max time.Duration) Policy {
	return Policy{Base: base, Max: max}
}

// Exhausted reports whether a message that has now failed retryCount times
// has used up its budget. A message with maxRetries=3 is dead-lettered on
// its third failure.
func (p Policy) Exhausted(retryCount, maxRetries int) bool {
	return retryCount >= maxRetries
}

// Backoff returns the delay before the next attempt after retryCount failures.
// Base: 2^(retryCount-1) * Base (1s, 2s, 4s...), jittered by +/-20% and
// capped at Max, or at Ceiling when Max is unset.
func (p Policy) Backoff(retryCount int) time.Duration {
	if p.Base <= 0 || retryCount <= 0 {
		return 0
	}
	shift := retryCount - 1
	if shift > 30 {
		shift = 30
	}
	limit := p.Max
	if limit <= 0 {
		limit = Ceiling
	}
	base := limit
	if p.Base <= limit>>shift {
		base = p.Base << shift
	}

	jitter := rand.Float64
	if p.Jitter != nil {
		jitter = p.Jitter
	}
	factor := 0.8 + jitter()*0.4 // [0.8, 1.2)
	backoff := time.Duration(float64(base) * factor)
	if backoff > limit {
		backoff = limit
	}
	return backoff
}
