// Package retry computes re-attempt delays and schedules delayed work.
package retry

import (
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// DefaultBase is the backoff unit used when none is configured.
const DefaultBase = time.Second

// Policy computes the delay before the n-th retry as Base * 2^n.
type Policy struct {
	Base time.Duration
	// MaxDelay caps a single delay. Zero means uncapped.
	MaxDelay time.Duration
}

// NewPolicy returns a policy with the given base, falling back to DefaultBase
func NewPolicy(base, maxDelay time.Duration) Policy {
	if base <= 0 {
		base = DefaultBase
	}
	return Policy{Base: base, MaxDelay: maxDelay}
}

// Delay returns the wait before retry attempt n, where n = 1 is the first
// retry. Values of n below 1 are treated as 1.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := p.backOff()
	var d time.Duration
	for i := 0; i <= n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Window returns the total delay across retries 1..maxRetries.
func (p Policy) Window(maxRetries int) time.Duration {
	b := p.backOff()
	b.NextBackOff() // attempt zero is the first delivery, not a retry
	var total time.Duration
	for i := 1; i <= maxRetries; i++ {
		total += b.NextBackOff()
	}
	return total
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	maxInterval := p.MaxDelay
	if maxInterval <= 0 {
		maxInterval = time.Duration(math.MaxInt64)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}

// IsPermanent reports whether err was marked non-retryable with backoff.Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
