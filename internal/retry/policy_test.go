package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zackledotcom/hellogpt/internal/backend"
)

func TestBaseDelayDoublesUntilCap(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 10 * time.Second}
	want := []time.Duration{1, 2, 4, 8, 10, 10, 10}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.BaseDelay(i), "attempt %d", i)
	}
}

func TestBaseDelayMonotonicAndBounded(t *testing.T) {
	p := Policy{InitialDelay: 300 * time.Millisecond, MaxDelay: 7 * time.Second}
	prev := time.Duration(0)
	for attempt := 0; attempt < 200; attempt++ {
		d := p.BaseDelay(attempt)
		require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		require.LessOrEqual(t, d, 7*time.Second)
		prev = d
	}
}

func TestDelayForAddsJitterBelowOneSecond(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Rand: func() float64 { return 0.999 }}
	d := p.DelayFor(1)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.Less(t, d, 3*time.Second)

	p.Rand = func() float64 { return 0 }
	assert.Equal(t, time.Second, p.DelayFor(0))
}

func TestDelayForNoJitter(t *testing.T) {
	p := Policy{InitialDelay: 10 * time.Millisecond, MaxJitter: -1}
	assert.Equal(t, 40*time.Millisecond, p.DelayFor(2))
}

func TestShouldRetry(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", &backend.NetworkError{Op: "tags", Err: errors.New("connection refused")}, true},
		{"timeout", &backend.NetworkError{Op: "tags", Err: context.DeadlineExceeded}, true},
		{"503", &backend.StatusError{Op: "generate", Code: 503}, true},
		{"500 wrapped", fmt.Errorf("send: %w", &backend.StatusError{Op: "generate", Code: 500}), true},
		{"404", &backend.StatusError{Op: "generate", Code: 404, Body: "model not found"}, false},
		{"400", &backend.StatusError{Op: "generate", Code: 400}, false},
		{"protocol", &backend.ProtocolError{Op: "generate", Err: errors.New("bad json")}, false},
		{"canceled", context.Canceled, false},
		{"permanent 503", backoff.Permanent(&backend.StatusError{Op: "pull", Code: 503}), false},
		{"unknown", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRetry(tc.err))
		})
	}
}

func TestPermanentKeepsCause(t *testing.T) {
	base := &backend.StatusError{Op: "pull", Code: 502}
	err := fmt.Errorf("stream: %w", backoff.Permanent(base))
	assert.True(t, IsPermanent(err))
	var se *backend.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 502, se.Code)
	assert.False(t, IsPermanent(base))
}

func TestBackOffYieldsPolicyDelays(t *testing.T) {
	p := Policy{InitialDelay: time.Second, MaxDelay: 3 * time.Second, Rand: func() float64 { return 0.5 }}
	b := p.NewBackOff()
	got := []time.Duration{b.NextBackOff(), b.NextBackOff(), b.NextBackOff()}
	assert.Equal(t, []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 3500 * time.Millisecond}, got)
	assert.Equal(t, 3, b.Attempt())
	b.Reset()
	assert.Equal(t, 1500*time.Millisecond, b.NextBackOff())
}

func TestBoundedStopsAfterRetries(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxJitter: -1}
	b := Bounded(context.Background(), p.NewBackOff(), 2)
	assert.Equal(t, time.Millisecond, b.NextBackOff())
	assert.Equal(t, 2*time.Millisecond, b.NextBackOff())
	assert.Equal(t, backoff.Stop, b.NextBackOff())

	none := Bounded(context.Background(), p.NewBackOff(), 0)
	assert.Equal(t, backoff.Stop, none.NextBackOff())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, backoff.Stop, Bounded(ctx, p.NewBackOff(), 5).NextBackOff())
}

func TestRetryNotifyDrivesPolicy(t *testing.T) {
	p := Policy{InitialDelay: time.Millisecond, MaxJitter: -1}
	var calls int
	var waits []time.Duration
	err := backoff.RetryNotify(func() error {
		calls++
		if calls < 3 {
			return &backend.StatusError{Op: "generate", Code: 503}
		}
		return nil
	}, Bounded(context.Background(), p.NewBackOff(), 3), func(_ error, d time.Duration) {
		waits = append(waits, d)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}
