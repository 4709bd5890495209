// Package retry classifies backend failures and computes backoff delays.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zackledotcom/hellogpt/internal/backend"
)

// Defaults applied when corresponding Policy fields are unset.
const (
	defaultInitialDelay = 1 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxJitter    = 1 * time.Second
)

// Policy computes retry delays. The zero value uses package defaults.
type Policy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// MaxJitter is the exclusive upper bound of the random delay added to each wait.
	// A negative value disables jitter.
	MaxJitter time.Duration
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func (p Policy) withDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.MaxJitter == 0 {
		p.MaxJitter = defaultMaxJitter
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// BaseDelay returns min(InitialDelay * 2^attempt, MaxDelay), without jitter.
// It is non-decreasing in attempt.
func (p Policy) BaseDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := p.InitialDelay
	for i := 0; i < attempt; i++ {
		if d >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		d *= 2
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// DelayFor returns the wait before the retry that follows failed attempt
// number attempt (0-based): BaseDelay(attempt) plus jitter in [0, MaxJitter).
func (p Policy) DelayFor(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay(attempt)
	if p.MaxJitter > 0 {
		d += time.Duration(p.Rand() * float64(p.MaxJitter))
	}
	return d
}

// BackOff yields Policy delays through the backoff.BackOff interface. It
// never returns backoff.Stop; callers bound it with backoff.WithMaxRetries.
type BackOff struct {
	policy  Policy
	attempt int
}

var _ backoff.BackOff = (*BackOff)(nil)

// NewBackOff returns a BackOff positioned before the first retry.
func (p Policy) NewBackOff() *BackOff { return &BackOff{policy: p.withDefaults()} }

// NextBackOff returns DelayFor of the current attempt and advances it.
func (b *BackOff) NextBackOff() time.Duration {
	d := b.policy.DelayFor(b.attempt)
	b.attempt++
	return d
}

// Reset rewinds to the first retry.
func (b *BackOff) Reset() { b.attempt = 0 }

// Attempt is the number of delays handed out since the last Reset.
func (b *BackOff) Attempt() int { return b.attempt }

// Bounded wraps b so that at most retries delays are handed out before
// backoff.Stop, and stops early once ctx is done.
func Bounded(ctx context.Context, b backoff.BackOff, retries int) backoff.BackOffContext {
	if retries <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// ShouldRetry reports whether err is transient: a network failure, a per-call
// timeout or a 5xx reply. Client errors, protocol errors, caller
// cancellation and errors marked with backoff.Permanent are terminal.
func ShouldRetry(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled):
		return false
	case IsPermanent(err):
		return false
	case backend.IsProtocol(err), backend.IsClientError(err):
		return false
	case backend.IsNetwork(err), backend.IsServerError(err):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// ShouldRetry applies the package classification.
func (p Policy) ShouldRetry(err error) bool { return ShouldRetry(err) }

// IsPermanent reports whether err carries a backoff.Permanent marker. Streams
// set it once chunks have reached the caller and a replay would duplicate them.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}
