// Package queue serializes backend operations: strict FIFO, one operation in
// flight at any instant, transparent retry of transient failures.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zackledotcom/hellogpt/internal/events"
	"github.com/zackledotcom/hellogpt/internal/metrics"
	"github.com/zackledotcom/hellogpt/internal/retry"
)

// DefaultMaxRetries applies when Submit is called with a negative retry count.
const DefaultMaxRetries = 3

// Operation is one idempotent unit of backend work. It may be invoked several
// times, never concurrently with itself.
type Operation func(ctx context.Context) (any, error)

// Gate reports whether fallback mode is active. The connection monitor satisfies it.
type Gate interface {
	FallbackActive() bool
}

// Options configures a Queue.
type Options struct {
	Policy     retry.Policy
	Gate       Gate
	MaxRetries int
	Logger     zerolog.Logger
	Publisher  events.Publisher
	// NewTimer supplies the timer for each operation's retry waits. Nil uses
	// the backoff package's wall-clock timer.
	NewTimer func() backoff.Timer
}

// QueuedOperation is one submission waiting for or undergoing execution.
// attempts is mutated only by the drain goroutine.
type QueuedOperation struct {
	ID          string
	Name        string
	run         Operation
	ctx         context.Context
	attempts    int
	maxAttempts int
	result      chan result
}

type result struct {
	val any
	err error
}

// Queue is a single-flight FIFO of backend operations.
type Queue struct {
	policy     retry.Policy
	gate       Gate
	maxRetries int
	log        zerolog.Logger
	pub        events.Publisher
	newTimer   func() backoff.Timer

	mu      sync.Mutex
	pending []*QueuedOperation
	closed  bool
	signal  chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Queue and starts its drain goroutine. Close stops it.
func New(opts Options) *Queue {
	base, cancel := context.WithCancel(context.Background())
	q := &Queue{
		policy:     opts.Policy,
		gate:       opts.Gate,
		maxRetries: opts.MaxRetries,
		log:        opts.Logger,
		pub:        events.OrNoop(opts.Publisher),
		newTimer:   opts.NewTimer,
		signal:     make(chan struct{}, 1),
		base:       base,
		cancel:     cancel,
	}
	if q.maxRetries < 0 {
		q.maxRetries = DefaultMaxRetries
	}
	q.wg.Add(1)
	go q.drain()
	return q
}

// Submit enqueues op and blocks until it settles or ctx is done. A negative
// maxRetries uses the queue default. While fallback mode is active Submit
// returns ErrFallbackMode immediately.
func (q *Queue) Submit(ctx context.Context, name string, maxRetries int, op Operation) (any, error) {
	if q.fallback() {
		metrics.QueueOperations.WithLabelValues(name, "fallback").Inc()
		return nil, ErrFallbackMode
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if maxRetries < 0 {
		maxRetries = q.maxRetries
	}
	qo := &QueuedOperation{
		ID:          uuid.NewString(),
		Name:        name,
		run:         op,
		ctx:         ctx,
		maxAttempts: maxRetries + 1,
		result:      make(chan result, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.pending = append(q.pending, qo)
	q.mu.Unlock()
	metrics.QueueDepth.Inc()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	select {
	case r := <-qo.result:
		return r.val, r.err
	case <-ctx.Done():
		// The drain goroutine observes ctx and settles into the buffered channel.
		return nil, ctx.Err()
	}
}

// Do is the typed form of Submit.
func Do[T any](ctx context.Context, q *Queue, name string, maxRetries int, fn func(ctx context.Context) (T, error)) (T, error) {
	v, err := q.Submit(ctx, name, maxRetries, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Len returns the number of operations waiting, excluding the one executing.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the drain goroutine, aborts the executing operation through its
// context and rejects everything still pending with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	rest := q.pending
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	for _, qo := range rest {
		q.settle(qo, nil, ErrClosed)
	}
}

func (q *Queue) fallback() bool { return q.gate != nil && q.gate.FallbackActive() }

func (q *Queue) next() (*QueuedOperation, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.pending) > 0 {
			qo := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return qo, true
		}
		q.mu.Unlock()
		select {
		case <-q.signal:
		case <-q.base.Done():
			return nil, false
		}
	}
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		qo, ok := q.next()
		if !ok {
			return
		}
		q.execute(qo)
	}
}

// execute runs qo to settlement, retrying the same operation on transient
// failures. The fallback gate is consulted before every attempt.
func (q *Queue) execute(qo *QueuedOperation) {
	ctx, cancel := context.WithCancel(qo.ctx)
	defer cancel()
	stop := context.AfterFunc(q.base, cancel)
	defer stop()

	var val any
	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if q.fallback() {
			return backoff.Permanent(ErrFallbackMode)
		}
		qo.attempts++
		v, err := qo.run(ctx)
		if err == nil {
			val = v
			return nil
		}
		if !q.policy.ShouldRetry(err) && !retry.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		metrics.QueueRetries.WithLabelValues(qo.Name).Inc()
		q.log.Warn().Str("op", qo.Name).Str("id", qo.ID).Int("attempt", qo.attempts).
			Int("max_attempts", qo.maxAttempts).Dur("delay", delay).Err(err).Msg("retrying operation")
		q.pub.Publish(events.Event{Name: events.OpRetry, Target: qo.Name, At: time.Now(), Fields: map[string]any{
			"id": qo.ID, "attempt": qo.attempts, "delay": delay, "error": err.Error(),
		}})
	}

	b := retry.Bounded(ctx, q.policy.NewBackOff(), qo.maxAttempts-1)
	var timer backoff.Timer
	if q.newTimer != nil {
		timer = q.newTimer()
	}
	if err := backoff.RetryNotifyWithTimer(attempt, b, notify, timer); err != nil {
		q.settle(qo, nil, q.closedErr(qo, err))
		return
	}
	q.settle(qo, val, nil)
}

// closedErr replaces err with ErrClosed when the queue, not the caller, aborted qo.
func (q *Queue) closedErr(qo *QueuedOperation, err error) error {
	if q.base.Err() != nil && qo.ctx.Err() == nil {
		return ErrClosed
	}
	return err
}

func (q *Queue) settle(qo *QueuedOperation, val any, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case IsFallbackMode(err):
		outcome = "fallback"
	case qo.ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "error"
	}
	metrics.QueueDepth.Dec()
	metrics.QueueOperations.WithLabelValues(qo.Name, outcome).Inc()
	if err != nil {
		q.log.Info().Str("op", qo.Name).Str("id", qo.ID).Int("attempts", qo.attempts).Err(err).Msg("operation failed")
	}
	q.pub.Publish(events.Event{Name: events.OpSettled, Target: qo.Name, At: time.Now(), Fields: map[string]any{
		"id": qo.ID, "attempts": qo.attempts, "outcome": outcome,
	}})
	qo.result <- result{val: val, err: err}
}
