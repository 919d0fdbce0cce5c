package failover

import (
	"math"
	"math/rand"
	"time"

	"github.com/goliatone/go-fulfillment"
)

const defaultJitterRatio = 0.3

// Backoff computes exponential retry delays with uniform jitter:
// min(base * 2^attempt, cap), then +/- jitter ratio.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64

	// rnd returns a uniform sample in [0, 1). Injected for tests.
	rnd func() float64
}

// NewBackoff constructs a jittered exponential backoff. Zero base and cap
// fall back to the library retry defaults.
func NewBackoff(base, cap time.Duration) *Backoff {
	if base <= 0 {
		base = fulfillment.DefaultRetryBaseDelay
	}
	if cap <= 0 {
		cap = fulfillment.DefaultRetryMaxDelay
	}
	return &Backoff{
		Base:   base,
		Cap:    cap,
		Jitter: defaultJitterRatio,
		rnd:    rand.Float64,
	}
}

// Delay returns the sleep before retry attempt n (starting at 0).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.Base) * math.Pow(2, float64(attempt))
	if capped := float64(b.Cap); base > capped {
		base = capped
	}

	jitter := b.Jitter
	if jitter < 0 {
		jitter = 0
	}
	rnd := b.rnd
	if rnd == nil {
		rnd = rand.Float64
	}
	// uniform in [1-jitter, 1+jitter]
	factor := 1 - jitter + 2*jitter*rnd()
	delay := time.Duration(base * factor)

	if delay > b.Cap {
		delay = b.Cap
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
