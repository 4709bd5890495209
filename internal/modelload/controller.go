// Package modelload runs model switches: a streamed pull through the request
// queue plus a low-frequency tags poll, reconciled into one ModelLoadState.
package modelload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zackledotcom/hellogpt/internal/events"
	"github.com/zackledotcom/hellogpt/internal/metrics"
	"github.com/zackledotcom/hellogpt/internal/queue"
	"github.com/zackledotcom/hellogpt/internal/stream"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// ErrEmptyModel is returned by SetModel for a blank model name.
var ErrEmptyModel = errors.New("model name is empty")

// ErrLoadFailed is returned by Load when the load ends in any state other than loaded.
var ErrLoadFailed = errors.New("model load failed")

// CancelledMessage is the error text of a load stopped by CancelLoad.
const CancelledMessage = "cancelled"

const (
	defaultPollInterval = 2 * time.Second
	cancelTimeout       = 5 * time.Second
)

// Backend is the subset of the backend client the controller drives.
type Backend interface {
	Pull(ctx context.Context, name string) (io.ReadCloser, error)
	Tags(ctx context.Context) ([]types.ModelInfo, error)
	Cancel(ctx context.Context, name string) error
}

// Options configures a Controller.
type Options struct {
	Backend Backend
	Queue   *queue.Queue
	// PollInterval spaces the secondary tags poll.
	PollInterval time.Duration
	// Loaded names a model assumed active at start; SetModel of it is a no-op.
	Loaded    string
	Logger    zerolog.Logger
	Publisher events.Publisher
}

// Controller owns the single live ModelLoadState of a client.
type Controller struct {
	be       Backend
	q        *queue.Queue
	interval time.Duration
	log      zerolog.Logger
	pub      events.Publisher

	// notifyMu serializes mutation+notification so listeners observe every
	// state exactly once and in order.
	notifyMu sync.Mutex

	mu        sync.Mutex
	state     types.ModelLoadState
	loaded    string
	gen       uint64
	cancel    context.CancelFunc
	listeners []listener
	nextID    uint64

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

type listener struct {
	id uint64
	fn func(types.ModelLoadState)
}

// New constructs an idle Controller.
func New(opts Options) *Controller {
	base, shutdown := context.WithCancel(context.Background())
	c := &Controller{
		be:       opts.Backend,
		q:        opts.Queue,
		interval: opts.PollInterval,
		log:      opts.Logger,
		pub:      events.OrNoop(opts.Publisher),
		loaded:   opts.Loaded,
		state:    types.ModelLoadState{Status: types.LoadIdle, Model: opts.Loaded, UpdatedAt: time.Now()},
		base:     base,
		shutdown: shutdown,
	}
	if c.interval <= 0 {
		c.interval = defaultPollInterval
	}
	return c
}

// SetModel switches to name. It returns once the load has started; progress is
// observed through Subscribe. Loading the active model, or the model already
// being loaded, is a no-op. A load in progress for another model is abandoned.
func (c *Controller) SetModel(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyModel
	}
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.base.Err() != nil {
		c.mu.Unlock()
		return queue.ErrClosed
	}
	loading := c.state.Status == types.LoadLoading
	if (!loading && name == c.loaded) || (loading && name == c.state.Model) {
		c.mu.Unlock()
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.base)
	c.cancel = cancel
	now := time.Now()
	c.state = types.ModelLoadState{Status: types.LoadLoading, Model: name, IsLoading: true, UpdatedAt: now}
	snap := c.state
	ls := c.listenersLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.LoadTransitions.WithLabelValues(string(types.LoadLoading)).Inc()
	metrics.LoadProgress.Set(0)
	c.log.Info().Str("model", name).Msg("model load started")
	c.pub.Publish(events.Event{Name: events.LoadStart, Target: name, At: now})
	notify(ls, snap)

	go c.run(ctx, gen, name)
	return nil
}

// Load switches to name like SetModel and blocks until that load settles,
// ctx is done or the controller closes.
func (c *Controller) Load(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	settled := make(chan types.ModelLoadState, 1)
	unsubscribe := c.Subscribe(func(st types.ModelLoadState) {
		if st.Status == types.LoadLoading {
			return
		}
		select {
		case settled <- st:
		default:
		}
	})
	defer unsubscribe()

	if err := c.SetModel(name); err != nil {
		return err
	}
	if st := c.State(); st.Status != types.LoadLoading && c.Loaded() == name {
		return nil
	}
	select {
	case st := <-settled:
		if st.Status == types.LoadLoaded && st.Model == name {
			return nil
		}
		if st.Error != "" {
			return fmt.Errorf("%w: %s: %s", ErrLoadFailed, name, st.Error)
		}
		return fmt.Errorf("%w: %s: %s", ErrLoadFailed, name, st.Status)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.base.Done():
		return queue.ErrClosed
	}
}

// CancelLoad stops the active load. The state becomes cancelled and no further
// notification is published for that attempt. The server is asked to abort the
// pull in the background. Without an active load CancelLoad does nothing.
func (c *Controller) CancelLoad() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state.Status != types.LoadLoading || c.base.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	name := c.state.Model
	now := time.Now()
	c.state.Status = types.LoadCancelled
	c.state.Error = CancelledMessage
	c.state.IsLoading = false
	c.state.ETA = 0
	c.state.UpdatedAt = now
	snap := c.state
	ls := c.listenersLocked()
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.LoadTransitions.WithLabelValues(string(types.LoadCancelled)).Inc()
	c.log.Info().Str("model", name).Float64("progress", snap.Progress).Msg("model load cancelled")
	c.pub.Publish(events.Event{Name: events.LoadCancelled, Target: name, At: now})
	notify(ls, snap)

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := c.be.Cancel(ctx, name); err != nil {
			c.log.Debug().Str("model", name).Err(err).Msg("backend cancel failed")
		}
	}()
}

// State returns the current load state.
func (c *Controller) State() types.ModelLoadState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Loaded returns the last model that finished loading.
func (c *Controller) Loaded() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded
}

// Subscribe registers fn for every state change. Listeners run synchronously
// in registration order and must not call back into the controller. The
// returned func unregisters fn.
func (c *Controller) Subscribe(fn func(types.ModelLoadState)) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners = append(c.listeners, listener{id: id, fn: fn})
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// Close abandons any load in progress without publishing and waits for
// background work to stop.
func (c *Controller) Close() {
	c.mu.Lock()
	c.gen++
	c.shutdown()
	c.mu.Unlock()
	c.wg.Wait()
}

// run drives one load attempt to completion.
func (c *Controller) run(ctx context.Context, gen uint64, name string) {
	defer c.wg.Done()
	pollCtx, stopPoll := context.WithCancel(ctx)
	var pollDone sync.WaitGroup
	pollDone.Add(1)
	go func() {
		defer pollDone.Done()
		c.poll(pollCtx, gen, name)
	}()

	started := time.Now()
	_, err := queue.Do(ctx, c.q, "pull", -1, func(ctx context.Context) (struct{}, error) {
		body, err := c.be.Pull(ctx, name)
		if err != nil {
			return struct{}{}, err
		}
		defer body.Close()
		return struct{}{}, stream.DecodePull(ctx, body, func(p types.PullProgress) error {
			pct, ok := stream.Percent(p)
			if !ok {
				c.log.Debug().Str("model", name).Str("status", p.Status).Msg("pull status")
				return nil
			}
			c.update(gen, time.Now(), pct, eta(started, pct))
			return nil
		})
	})
	stopPoll()
	pollDone.Wait()
	c.finish(gen, name, err)
}

// poll reports 100% once the model shows up in the server's model list.
func (c *Controller) poll(ctx context.Context, gen uint64, name string) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		models, err := c.be.Tags(ctx)
		if err != nil {
			c.log.Debug().Str("model", name).Err(err).Msg("load poll failed")
			continue
		}
		if hasModel(models, name) {
			c.update(gen, time.Now(), 100, 0)
		}
	}
}

// update applies one progress observation taken at at. Observations from a
// superseded attempt or older than the current state are dropped; progress
// never decreases while loading. Unchanged states are not published.
func (c *Controller) update(gen uint64, at time.Time, pct float64, eta time.Duration) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.state.Status != types.LoadLoading || at.Before(c.state.UpdatedAt) {
		c.mu.Unlock()
		return
	}
	if pct < c.state.Progress {
		pct = c.state.Progress
	}
	if pct >= 100 {
		pct, eta = 100, 0
	}
	eta = eta.Round(time.Second)
	if pct == c.state.Progress && eta == c.state.ETA {
		c.mu.Unlock()
		return
	}
	c.state.Progress = pct
	c.state.ETA = eta
	c.state.UpdatedAt = at
	snap := c.state
	ls := c.listenersLocked()
	c.mu.Unlock()

	metrics.LoadProgress.Set(pct)
	c.log.Debug().Str("model", snap.Model).Float64("progress", pct).Dur("eta", eta).Msg("model load progress")
	c.pub.Publish(events.Event{Name: events.LoadProgress, Target: snap.Model, At: at, Fields: map[string]any{"progress": pct}})
	notify(ls, snap)
}

// finish moves the attempt to loaded or error unless it was superseded.
func (c *Controller) finish(gen uint64, name string, err error) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if gen != c.gen || c.state.Status != types.LoadLoading {
		c.mu.Unlock()
		return
	}
	c.cancel = nil
	now := time.Now()
	c.state.IsLoading = false
	c.state.ETA = 0
	c.state.UpdatedAt = now
	if err == nil {
		c.state.Status = types.LoadLoaded
		c.state.Progress = 100
		c.loaded = name
	} else {
		c.state.Status = types.LoadError
		c.state.Error = err.Error()
	}
	snap := c.state
	ls := c.listenersLocked()
	c.mu.Unlock()

	metrics.LoadTransitions.WithLabelValues(string(snap.Status)).Inc()
	if err == nil {
		metrics.LoadProgress.Set(100)
		c.log.Info().Str("model", name).Msg("model loaded")
		c.pub.Publish(events.Event{Name: events.LoadDone, Target: name, At: now})
	} else {
		c.log.Warn().Str("model", name).Err(err).Msg("model load failed")
		c.pub.Publish(events.Event{Name: events.LoadFailed, Target: name, At: now, Fields: map[string]any{"error": err.Error()}})
	}
	notify(ls, snap)
}

func (c *Controller) listenersLocked() []listener {
	return append([]listener(nil), c.listeners...)
}

func notify(ls []listener, st types.ModelLoadState) {
	for _, l := range ls {
		l.fn(st)
	}
}

// eta extrapolates the remaining time from the average rate since start.
func eta(started time.Time, pct float64) time.Duration {
	if pct <= 0 || pct >= 100 {
		return 0
	}
	elapsed := time.Since(started)
	return time.Duration(float64(elapsed) * (100 - pct) / pct)
}

// hasModel matches name against the listed models; an untagged name matches
// its ":latest" tag.
func hasModel(models []types.ModelInfo, name string) bool {
	for _, m := range models {
		if m.Name == name || strings.TrimSuffix(m.Name, ":latest") == name || m.Name == name+":latest" {
			return true
		}
	}
	return false
}
