// Package client is the resilient front of the inference server: every call
// goes through one single-flight retrying queue, a health monitor gates
// traffic into fallback mode, and model switches are observable state.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/zackledotcom/hellogpt/internal/backend"
	"github.com/zackledotcom/hellogpt/internal/events"
	"github.com/zackledotcom/hellogpt/internal/fallback"
	"github.com/zackledotcom/hellogpt/internal/metrics"
	"github.com/zackledotcom/hellogpt/internal/modelload"
	"github.com/zackledotcom/hellogpt/internal/monitor"
	"github.com/zackledotcom/hellogpt/internal/queue"
	"github.com/zackledotcom/hellogpt/internal/retry"
	"github.com/zackledotcom/hellogpt/internal/stream"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// Config encapsulates all tunables for Client construction. Zero durations
// and counts fall back to component defaults.
type Config struct {
	BaseURL               string
	RequestTimeout        time.Duration
	ConnectTimeout        time.Duration
	ResponseHeaderTimeout time.Duration

	// MaxRetries is the retry budget per operation; negative uses the queue default.
	MaxRetries int
	Retry      retry.Policy

	HealthInterval    time.Duration
	FallbackThreshold int
	FallbackTimeout   time.Duration
	LoadPollInterval  time.Duration

	DefaultModel string
	// FallbackModels is the switch order after a model fails terminally: the
	// entry after the failed model, or the first entry when it is not listed.
	FallbackModels []string
	EmbeddingModel string
	EmbeddingDims  int
	// FallbackReplies enables canned replies and pseudo-embeddings in fallback
	// mode. When false, calls fail with ErrFallbackMode instead.
	FallbackReplies bool

	Logger    zerolog.Logger
	Publisher events.Publisher
	// HTTPClient overrides the backend transport (tests).
	HTTPClient *http.Client
}

// Client is the boundary used by the GUI/IPC layer. Construct with New, call
// Start to begin health polling and Close to release timers and goroutines.
type Client struct {
	cfg   Config
	log   zerolog.Logger
	be    *backend.Client
	q     *queue.Queue
	mon   *monitor.Monitor
	loads *modelload.Controller
	fb    *fallback.Responder

	mu           sync.RWMutex
	modelOptions map[string]map[string]any

	wg sync.WaitGroup
}

// New wires the components. No goroutine other than the queue's drain loop
// runs until Start.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("client: base URL is required")
	}
	c := &Client{cfg: cfg, log: cfg.Logger, modelOptions: make(map[string]map[string]any)}
	c.be = backend.New(backend.Options{
		BaseURL:               cfg.BaseURL,
		RequestTimeout:        cfg.RequestTimeout,
		ConnectTimeout:        cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		Logger:                cfg.Logger,
		HTTPClient:            cfg.HTTPClient,
	})
	c.mon = monitor.New(monitor.Options{
		Probe: func(ctx context.Context) error {
			_, err := c.be.Tags(ctx)
			return err
		},
		Interval:        cfg.HealthInterval,
		Threshold:       cfg.FallbackThreshold,
		FallbackTimeout: cfg.FallbackTimeout,
		Logger:          cfg.Logger,
		Publisher:       cfg.Publisher,
	})
	c.q = queue.New(queue.Options{
		Policy:     cfg.Retry,
		Gate:       c.mon,
		MaxRetries: cfg.MaxRetries,
		Logger:     cfg.Logger,
		Publisher:  cfg.Publisher,
	})
	c.loads = modelload.New(modelload.Options{
		Backend:      c.be,
		Queue:        c.q,
		PollInterval: cfg.LoadPollInterval,
		Loaded:       cfg.DefaultModel,
		Logger:       cfg.Logger,
		Publisher:    cfg.Publisher,
	})
	if cfg.FallbackReplies {
		fb, err := fallback.New(fallback.Options{Dims: cfg.EmbeddingDims})
		if err != nil {
			c.q.Close()
			return nil, err
		}
		c.fb = fb
	}
	return c, nil
}

// Start launches health polling. The first probe runs immediately.
func (c *Client) Start(ctx context.Context) {
	c.mon.Start(ctx)
}

// Close stops polling, abandons any model load, rejects queued operations
// and waits for open streams to end.
func (c *Client) Close() {
	c.mon.Stop()
	c.loads.Close()
	c.q.Close()
	c.wg.Wait()
}

// SendMessage sends text to the current model and returns the reply. In
// fallback mode the reply is a canned answer marked Degraded.
func (c *Client) SendMessage(ctx context.Context, text string) (types.Reply, error) {
	if strings.TrimSpace(text) == "" {
		return types.Reply{}, ErrEmptyMessage
	}
	model := c.CurrentModel()
	resp, err := c.generate(ctx, model, text)
	if next := c.fallbackModel(ctx, model, err); next != "" {
		resp, err = c.generate(ctx, next, text)
	}
	if err != nil {
		return c.degradedReply(text, err)
	}
	return types.Reply{Text: resp.Text(), Model: resp.Model}, nil
}

func (c *Client) generate(ctx context.Context, model, text string) (types.GenerateResponse, error) {
	req := types.GenerateRequest{Model: model, Prompt: text, Options: c.options(model)}
	return queue.Do(ctx, c.q, "generate", c.cfg.MaxRetries, func(ctx context.Context) (types.GenerateResponse, error) {
		return c.be.Generate(ctx, req)
	})
}

// Chat sends a conversation history to the current model.
func (c *Client) Chat(ctx context.Context, messages []types.ChatMessage) (types.Reply, error) {
	if len(messages) == 0 {
		return types.Reply{}, ErrEmptyMessage
	}
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	model := c.CurrentModel()
	resp, err := c.chat(ctx, model, messages)
	if next := c.fallbackModel(ctx, model, err); next != "" {
		resp, err = c.chat(ctx, next, messages)
	}
	if err != nil {
		return c.degradedReply(last, err)
	}
	return types.Reply{Text: resp.Text(), Model: resp.Model}, nil
}

func (c *Client) chat(ctx context.Context, model string, messages []types.ChatMessage) (types.GenerateResponse, error) {
	req := types.ChatRequest{Model: model, Messages: messages, Options: c.options(model)}
	return queue.Do(ctx, c.q, "chat", c.cfg.MaxRetries, func(ctx context.Context) (types.GenerateResponse, error) {
		return c.be.Chat(ctx, req)
	})
}

// fallbackModel switches to the next model of the fallback chain after model
// failed with a status error, and returns it. It returns "" when err is not
// such a failure, the chain is exhausted or the switch did not complete.
func (c *Client) fallbackModel(ctx context.Context, model string, err error) string {
	if !backend.IsClientError(err) && !backend.IsServerError(err) {
		return ""
	}
	next := nextInChain(c.cfg.FallbackModels, model)
	if next == "" {
		return ""
	}
	c.log.Warn().Str("model", model).Str("next", next).Err(err).Msg("switching to fallback model")
	if err := c.loads.Load(ctx, next); err != nil {
		c.log.Warn().Str("model", next).Err(err).Msg("fallback model unavailable")
		return ""
	}
	metrics.ModelFallbacks.WithLabelValues(next).Inc()
	return next
}

func nextInChain(chain []string, model string) string {
	for i, m := range chain {
		if m == model {
			if i+1 < len(chain) {
				return chain[i+1]
			}
			return ""
		}
	}
	if len(chain) > 0 {
		return chain[0]
	}
	return ""
}

func (c *Client) degradedReply(text string, err error) (types.Reply, error) {
	if c.fb != nil && queue.IsFallbackMode(err) {
		return types.Reply{Text: c.fb.Reply(text), Degraded: true}, nil
	}
	return types.Reply{}, err
}

// SendMessageStream streams the reply to text into h and returns the session
// immediately. The stream shares the request queue with unary calls; it is
// retried only until the response body opens. Cancelling ctx or the returned
// session stops delivery.
func (c *Client) SendMessageStream(ctx context.Context, text string, h stream.Handlers) *stream.Session {
	s := stream.NewSession(h)
	if strings.TrimSpace(text) == "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			s.Fail(ErrEmptyMessage)
		}()
		return s
	}
	model := c.CurrentModel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		err := c.streamOnce(ctx, s, model, text)
		if next := c.fallbackModel(ctx, model, err); next != "" && !s.Ended() {
			err = c.streamOnce(ctx, s, next, text)
		}
		switch {
		case err == nil:
		case c.fb != nil && queue.IsFallbackMode(err):
			c.streamCanned(s, c.fb.Reply(text))
		case ctx.Err() != nil:
			s.Cancel()
		default:
			s.Fail(err)
		}
	}()
	return s
}

// streamOnce runs one streaming generate through the queue. Ending s aborts the
// request, whether it is still waiting for headers or already reading the body.
func (c *Client) streamOnce(ctx context.Context, s *stream.Session, model, text string) error {
	req := types.GenerateRequest{Model: model, Prompt: text, Options: c.options(model)}
	_, err := c.q.Submit(ctx, "generate_stream", c.cfg.MaxRetries, func(ctx context.Context) (any, error) {
		if s.Ended() {
			return nil, backoff.Permanent(context.Canceled)
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-s.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		body, err := c.be.StreamGenerate(ctx, req)
		if err != nil {
			if s.Ended() {
				return nil, backoff.Permanent(context.Canceled)
			}
			return nil, err
		}
		defer body.Close()
		if err := stream.Consume(ctx, body, s); err != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, nil
	})
	return err
}

// streamCanned delivers reply as a single-record stream.
func (c *Client) streamCanned(s *stream.Session, reply string) {
	b, _ := json.Marshal(types.GenerateResponse{Response: reply, Done: true})
	s.Feed(append(b, '\n'))
}

// ListModels returns the models known to the server. There is no degraded
// answer: in fallback mode it fails with ErrFallbackMode.
func (c *Client) ListModels(ctx context.Context) ([]types.ModelInfo, error) {
	return queue.Do(ctx, c.q, "tags", c.cfg.MaxRetries, c.be.Tags)
}

// SetModel starts switching to name. Progress is published to
// SubscribeModelLoadState listeners.
func (c *Client) SetModel(name string) error {
	if c.mon.FallbackActive() {
		return ErrFallbackMode
	}
	return c.loads.SetModel(name)
}

// SubscribeModelLoadState registers fn for model load state changes and
// returns the unsubscribe func.
func (c *Client) SubscribeModelLoadState(fn func(types.ModelLoadState)) func() {
	return c.loads.Subscribe(fn)
}

// ModelLoadState returns the current model load state.
func (c *Client) ModelLoadState() types.ModelLoadState { return c.loads.State() }

// CancelLoad stops the model load in progress, if any.
func (c *Client) CancelLoad() { c.loads.CancelLoad() }

// CurrentModel is the last model that finished loading, or the configured default.
func (c *Client) CurrentModel() string { return c.loads.Loaded() }

// CheckConnection probes the server now, outside the request queue, and
// returns the updated status.
func (c *Client) CheckConnection(ctx context.Context) types.ConnectionStatus {
	return c.mon.Check(ctx)
}

// ConnectionStatus returns the last known status without probing.
func (c *Client) ConnectionStatus() types.ConnectionStatus { return c.mon.Status() }

// SetModelOptions stores request options sent with every call to name.
// A nil map clears them.
func (c *Client) SetModelOptions(name string, opts map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if opts == nil {
		delete(c.modelOptions, name)
		return
	}
	c.modelOptions[name] = maps.Clone(opts)
}

// ModelOptions returns a copy of the options stored for name.
func (c *Client) ModelOptions(name string) map[string]any {
	return c.options(name)
}

func (c *Client) options(name string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.modelOptions[name])
}

// Embed returns a unit-length embedding of text. degraded reports a
// pseudo-embedding produced in fallback mode.
func (c *Client) Embed(ctx context.Context, text string) (vec []float64, degraded bool, err error) {
	model := c.cfg.EmbeddingModel
	if model == "" {
		model = c.CurrentModel()
	}
	req := types.EmbeddingsRequest{Model: model, Prompt: text, Options: c.options(model)}
	vec, err = queue.Do(ctx, c.q, "embeddings", c.cfg.MaxRetries, func(ctx context.Context) ([]float64, error) {
		return c.be.Embeddings(ctx, req)
	})
	if err != nil {
		if c.fb != nil && queue.IsFallbackMode(err) {
			return c.fb.Embedding(text), true, nil
		}
		return nil, false, err
	}
	return normalize(vec), false, nil
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] /= n
	}
	return v
}
