package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zackledotcom/hellogpt/internal/events"
	"github.com/zackledotcom/hellogpt/internal/queue"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

var errRefused = errors.New("connection refused")

func TestFallbackAfterThresholdFailures(t *testing.T) {
	pub := events.NewMemoryPublisher()
	m := New(Options{Threshold: 3, FallbackTimeout: time.Hour, Publisher: pub})
	t.Cleanup(m.Stop)

	m.Record(errRefused)
	m.Record(errRefused)
	assert.Equal(t, StateDisconnected, m.State())
	assert.False(t, m.FallbackActive())

	m.Record(errRefused)
	assert.Equal(t, StateFallback, m.State())
	assert.True(t, m.FallbackActive())
	st := m.Status()
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.False(t, st.FallbackDeadline.IsZero())
	assert.Equal(t, 1, pub.Count(events.FallbackEnter))

	// Further failures keep the original deadline.
	m.Record(errRefused)
	assert.Equal(t, st.FallbackDeadline, m.Status().FallbackDeadline)
	assert.Equal(t, 1, pub.Count(events.FallbackEnter))
}

func TestSuccessResetsAndExitsFallback(t *testing.T) {
	pub := events.NewMemoryPublisher()
	m := New(Options{Threshold: 2, FallbackTimeout: time.Hour, Publisher: pub})
	t.Cleanup(m.Stop)
	m.Record(errRefused)
	m.Record(errRefused)
	require.True(t, m.FallbackActive())

	m.Record(nil)
	st := m.Status()
	assert.Equal(t, types.Connected, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.False(t, st.FallbackActive)
	assert.False(t, st.LastSuccess.IsZero())
	assert.Equal(t, 3, st.ConnectionAttempts)
	assert.Equal(t, 1, pub.Count(events.FallbackExit))
}

func TestDeadlineReturnsToDisconnected(t *testing.T) {
	pub := events.NewMemoryPublisher()
	m := New(Options{Threshold: 1, FallbackTimeout: 20 * time.Millisecond, Publisher: pub})
	t.Cleanup(m.Stop)
	m.Record(errRefused)
	require.True(t, m.FallbackActive())

	require.Eventually(t, func() bool { return !m.FallbackActive() }, time.Second, 2*time.Millisecond)
	st := m.Status()
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, types.Disconnected, st.Status)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.True(t, st.FallbackDeadline.IsZero())
	assert.Equal(t, 1, pub.Count(events.FallbackExpire))
}

func TestStaleDeadlineIgnoredAfterRecovery(t *testing.T) {
	m := New(Options{Threshold: 1, FallbackTimeout: time.Hour})
	t.Cleanup(m.Stop)
	m.Record(errRefused)
	m.Record(nil)
	m.Record(errRefused)
	gen := m.timerGen
	m.expire(gen - 1)
	assert.True(t, m.FallbackActive())
}

func TestPollingScenarioWithQueue(t *testing.T) {
	var healthy atomic.Bool
	var probes atomic.Int32
	m := New(Options{
		Interval:        5 * time.Millisecond,
		Threshold:       3,
		FallbackTimeout: 40 * time.Millisecond,
		Probe: func(ctx context.Context) error {
			probes.Add(1)
			if healthy.Load() {
				return nil
			}
			return errRefused
		},
	})
	q := queue.New(queue.Options{Gate: m})
	t.Cleanup(q.Close)
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	require.Eventually(t, m.FallbackActive, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, probes.Load(), int32(3))

	var called atomic.Bool
	_, err := q.Submit(context.Background(), "tags", 3, func(ctx context.Context) (any, error) {
		called.Store(true)
		return nil, nil
	})
	assert.ErrorIs(t, err, queue.ErrFallbackMode)
	assert.False(t, called.Load())

	healthy.Store(true)
	require.Eventually(t, func() bool { return m.State() == StateConnected }, time.Second, time.Millisecond)
	_, err = q.Submit(context.Background(), "tags", 0, func(ctx context.Context) (any, error) { return nil, nil })
	assert.NoError(t, err)
}

func TestOnChangeNotifiesInOrder(t *testing.T) {
	m := New(Options{Threshold: 1, FallbackTimeout: time.Hour})
	t.Cleanup(m.Stop)
	var mu sync.Mutex
	var seen []string
	unsubA := m.OnChange(func(st types.ConnectionStatus) {
		mu.Lock()
		seen = append(seen, "a:"+string(st.Status))
		mu.Unlock()
	})
	m.OnChange(func(st types.ConnectionStatus) {
		mu.Lock()
		seen = append(seen, "b:"+string(st.Status))
		mu.Unlock()
	})
	m.Record(nil)
	// Unchanged state does not notify.
	m.Record(nil)
	unsubA()
	m.Record(errRefused)
	assert.Equal(t, []string{"a:connected", "b:connected", "b:disconnected"}, seen)
}

func TestCheckAfterStopDoesNotRecord(t *testing.T) {
	m := New(Options{Probe: func(ctx context.Context) error { return errRefused }})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st := m.Check(ctx)
	assert.Zero(t, st.ConnectionAttempts)
}
