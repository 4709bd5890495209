// Package monitor polls backend health and drives fallback mode: a circuit
// breaker whose only recovery path is time based, since trial requests against
// a model server can be expensive.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zackledotcom/hellogpt/internal/events"
	"github.com/zackledotcom/hellogpt/internal/metrics"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// State is the monitor's mode.
type State string

const (
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFallback     State = "fallback"
)

// Defaults applied when corresponding Options fields are unset.
const (
	defaultInterval        = 10 * time.Second
	defaultThreshold       = 3
	defaultFallbackTimeout = 60 * time.Second
)

// Options configures a Monitor.
type Options struct {
	// Probe is the idempotent, read-only health call.
	Probe           func(ctx context.Context) error
	Interval        time.Duration
	Threshold       int
	FallbackTimeout time.Duration
	Logger          zerolog.Logger
	Publisher       events.Publisher
}

// Monitor owns the ConnectionState. It is mutated only by probe results and
// the fallback deadline timer.
type Monitor struct {
	probe           func(ctx context.Context) error
	interval        time.Duration
	threshold       int
	fallbackTimeout time.Duration
	log             zerolog.Logger
	pub             events.Publisher

	// notifyMu serializes mutation+notification so listeners see changes in order.
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       State
	failures    int
	attempts    int
	lastSuccess time.Time
	lastChecked time.Time
	lastErr     string
	deadline    time.Time
	timer       *time.Timer
	timerGen    uint64
	listeners   []listener
	nextID      uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type listener struct {
	id uint64
	fn func(types.ConnectionStatus)
}

// New constructs a Monitor in the disconnected state. Start launches polling.
func New(opts Options) *Monitor {
	m := &Monitor{
		probe:           opts.Probe,
		interval:        opts.Interval,
		threshold:       opts.Threshold,
		fallbackTimeout: opts.FallbackTimeout,
		log:             opts.Logger,
		pub:             events.OrNoop(opts.Publisher),
		state:           StateDisconnected,
	}
	if m.interval <= 0 {
		m.interval = defaultInterval
	}
	if m.threshold <= 0 {
		m.threshold = defaultThreshold
	}
	if m.fallbackTimeout <= 0 {
		m.fallbackTimeout = defaultFallbackTimeout
	}
	return m
}

// Start probes immediately and then on every interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		m.Check(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop halts polling and disarms the fallback deadline timer.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Check runs one probe, records its result and returns the resulting status.
func (m *Monitor) Check(ctx context.Context) types.ConnectionStatus {
	if ctx.Err() != nil {
		return m.Status()
	}
	var err error
	if m.probe != nil {
		err = m.probe(ctx)
	}
	// A probe aborted by shutdown says nothing about the backend.
	if ctx.Err() != nil {
		return m.Status()
	}
	m.Record(err)
	return m.Status()
}

// Record applies one probe result to the state machine.
func (m *Monitor) Record(err error) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	now := time.Now()
	m.mu.Lock()
	before := m.state
	m.attempts++
	m.lastChecked = now
	var evt events.Event
	if err == nil {
		metrics.Probes.WithLabelValues("ok").Inc()
		m.failures = 0
		m.lastSuccess = now
		m.lastErr = ""
		if m.state == StateFallback {
			m.disarmLocked()
			evt = events.Event{Name: events.FallbackExit, At: now}
		}
		m.state = StateConnected
	} else {
		metrics.Probes.WithLabelValues("fail").Inc()
		m.failures++
		m.lastErr = err.Error()
		if m.state != StateFallback {
			m.state = StateDisconnected
			if m.failures >= m.threshold {
				m.armLocked(now)
				m.state = StateFallback
				evt = events.Event{Name: events.FallbackEnter, At: now, Fields: map[string]any{
					"failures": m.failures, "deadline": m.deadline,
				}}
			}
		}
		m.log.Debug().Int("failures", m.failures).Err(err).Msg("health probe failed")
	}
	after := m.state
	snap := m.statusLocked()
	ls := m.listenersLocked()
	m.mu.Unlock()

	switch evt.Name {
	case events.FallbackEnter:
		metrics.FallbackActive.Set(1)
		m.log.Warn().Int("failures", snap.ConsecutiveFailures).Time("deadline", snap.FallbackDeadline).Msg("entering fallback mode")
		m.pub.Publish(evt)
	case events.FallbackExit:
		metrics.FallbackActive.Set(0)
		m.log.Info().Msg("backend reachable, leaving fallback mode")
		m.pub.Publish(evt)
	}
	if err == nil {
		m.pub.Publish(events.Event{Name: events.ProbeOK, At: now})
	} else {
		m.pub.Publish(events.Event{Name: events.ProbeFailed, At: now, Fields: map[string]any{"error": err.Error()}})
	}
	if before != after {
		notify(ls, snap)
	}
}

// armLocked starts the fallback deadline timer. Caller holds m.mu.
func (m *Monitor) armLocked(now time.Time) {
	m.timerGen++
	gen := m.timerGen
	m.deadline = now.Add(m.fallbackTimeout)
	m.timer = time.AfterFunc(m.fallbackTimeout, func() { m.expire(gen) })
}

// disarmLocked cancels the fallback deadline timer. Caller holds m.mu.
func (m *Monitor) disarmLocked() {
	m.timerGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.deadline = time.Time{}
}

// expire leaves fallback mode for disconnected, not connected: the next probe
// must re-verify reachability before normal traffic resumes.
func (m *Monitor) expire(gen uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if gen != m.timerGen || m.state != StateFallback {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.deadline = time.Time{}
	m.failures = 0
	m.state = StateDisconnected
	snap := m.statusLocked()
	ls := m.listenersLocked()
	m.mu.Unlock()

	metrics.FallbackActive.Set(0)
	m.log.Info().Msg("fallback deadline elapsed, awaiting next probe")
	m.pub.Publish(events.Event{Name: events.FallbackExpire, At: time.Now()})
	notify(ls, snap)
}

// FallbackActive reports whether non-probe traffic must be rejected.
func (m *Monitor) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateFallback
}

// State returns the current mode.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a snapshot of the connection state.
func (m *Monitor) Status() types.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Monitor) statusLocked() types.ConnectionStatus {
	st := types.Disconnected
	if m.state == StateConnected {
		st = types.Connected
	}
	return types.ConnectionStatus{
		Status:              st,
		ConsecutiveFailures: m.failures,
		LastSuccess:         m.lastSuccess,
		LastChecked:         m.lastChecked,
		FallbackActive:      m.state == StateFallback,
		FallbackDeadline:    m.deadline,
		ConnectionAttempts:  m.attempts,
		LastError:           m.lastErr,
	}
}

// OnChange registers fn for mode changes. Listeners run synchronously in
// registration order and must not call Record. The returned func unregisters fn.
func (m *Monitor) OnChange(fn func(types.ConnectionStatus)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Monitor) listenersLocked() []listener {
	return append([]listener(nil), m.listeners...)
}

func notify(ls []listener, st types.ConnectionStatus) {
	for _, l := range ls {
		l.fn(st)
	}
}
