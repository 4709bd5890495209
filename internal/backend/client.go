// Package backend is the HTTP transport to an Ollama-compatible server: one
// call per endpoint, typed errors, and line-delimited stream bodies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/zackledotcom/hellogpt/pkg/types"
)

const tracerName = "github.com/zackledotcom/hellogpt/internal/backend"

// Options configures a Client.
type Options struct {
	BaseURL string
	// RequestTimeout bounds a whole unary call. Streams are not bounded by it.
	RequestTimeout time.Duration
	// ConnectTimeout bounds TCP dial.
	ConnectTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for response headers, streams included.
	ResponseHeaderTimeout time.Duration
	Logger                zerolog.Logger
	// HTTPClient overrides the transport (tests).
	HTTPClient *http.Client
}

// Client talks to the inference server over its fixed HTTP protocol.
// It is safe for concurrent use; serialization is the caller's concern.
type Client struct {
	baseURL    string
	reqTimeout time.Duration
	httpClient *http.Client
	log        zerolog.Logger
	tracer     trace.Tracer
}

// New constructs a Client.
func New(opts Options) *Client {
	cli := opts.HTTPClient
	if cli == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
			ExpectContinueTimeout: 1 * time.Second,
		}
		// Timeout=0: unary calls carry a context deadline, streams must not be cut.
		cli = &http.Client{Transport: tr, Timeout: 0}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		reqTimeout: opts.RequestTimeout,
		httpClient: cli,
		log:        opts.Logger,
		tracer:     otel.Tracer(tracerName),
	}
}

// BaseURL returns the configured server root.
func (c *Client) BaseURL() string { return c.baseURL }

// Tags lists the models known to the server. It doubles as the health probe.
func (c *Client) Tags(ctx context.Context) ([]types.ModelInfo, error) {
	var out types.TagsResponse
	if err := c.doJSON(ctx, "tags", http.MethodGet, "/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Generate performs a unary /generate call.
func (c *Client) Generate(ctx context.Context, req types.GenerateRequest) (types.GenerateResponse, error) {
	req.Stream = false
	var out types.GenerateResponse
	if err := c.doJSON(ctx, "generate", http.MethodPost, "/generate", req, &out); err != nil {
		return out, err
	}
	if out.Error != "" {
		return out, &ProtocolError{Op: "generate", Err: errors.New(out.Error)}
	}
	return out, nil
}

// Chat performs a unary /chat call.
func (c *Client) Chat(ctx context.Context, req types.ChatRequest) (types.GenerateResponse, error) {
	req.Stream = false
	var out types.GenerateResponse
	if err := c.doJSON(ctx, "chat", http.MethodPost, "/chat", req, &out); err != nil {
		return out, err
	}
	if out.Error != "" {
		return out, &ProtocolError{Op: "chat", Err: errors.New(out.Error)}
	}
	return out, nil
}

// Embeddings requests a vector for one prompt.
func (c *Client) Embeddings(ctx context.Context, req types.EmbeddingsRequest) ([]float64, error) {
	var out types.EmbeddingsResponse
	if err := c.doJSON(ctx, "embeddings", http.MethodPost, "/embeddings", req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, &ProtocolError{Op: "embeddings", Err: errors.New(out.Error)}
	}
	if len(out.Embedding) == 0 {
		return nil, &ProtocolError{Op: "embeddings", Err: errors.New("empty embedding")}
	}
	return out.Embedding, nil
}

// Cancel aborts an in-progress pull.
func (c *Client) Cancel(ctx context.Context, name string) error {
	return c.doJSON(ctx, "cancel", http.MethodPost, "/cancel", types.CancelRequest{Name: name}, nil)
}

// StreamGenerate opens a streaming /generate call. The caller owns the body.
func (c *Client) StreamGenerate(ctx context.Context, req types.GenerateRequest) (io.ReadCloser, error) {
	req.Stream = true
	return c.openStream(ctx, "generate", "/generate", req)
}

// StreamChat opens a streaming /chat call. The caller owns the body.
func (c *Client) StreamChat(ctx context.Context, req types.ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	return c.openStream(ctx, "chat", "/chat", req)
}

// Pull opens a streaming /pull call. The caller owns the body.
func (c *Client) Pull(ctx context.Context, name string) (io.ReadCloser, error) {
	return c.openStream(ctx, "pull", "/pull", types.PullRequest{Name: name, Stream: true})
}

// doJSON runs a unary call bounded by the request timeout and decodes the reply into out.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	callCtx := ctx
	if c.reqTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
	}
	resp, span, err := c.send(ctx, callCtx, op, method, path, in)
	if err != nil {
		return err
	}
	defer span.End()
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return &NetworkError{Op: op, Err: callCtx.Err()}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		perr := &ProtocolError{Op: op, Err: err}
		span.RecordError(perr)
		span.SetStatus(codes.Error, "decode")
		return perr
	}
	return nil
}

func (c *Client) openStream(ctx context.Context, op, path string, in any) (io.ReadCloser, error) {
	resp, span, err := c.send(ctx, ctx, op, http.MethodPost, path, in)
	if err != nil {
		return nil, err
	}
	return &spanBody{ReadCloser: resp.Body, span: span}, nil
}

// send issues the request and maps failures onto the error taxonomy. On success
// the returned span is still open; the caller ends it.
func (c *Client) send(parent, callCtx context.Context, op, method, path string, in any) (*http.Response, trace.Span, error) {
	callCtx, span := c.tracer.Start(callCtx, "backend."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("backend.path", path)))

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			span.End()
			return nil, nil, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		span.End()
		return nil, nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	otel.GetTextMapPropagator().Inject(callCtx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		span.End()
		// Caller cancellation is not a backend failure.
		if parent.Err() != nil {
			return nil, nil, parent.Err()
		}
		c.log.Debug().Str("op", op).Err(err).Dur("dur", time.Since(start)).Msg("backend call failed")
		return nil, nil, &NetworkError{Op: op, Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		serr := &StatusError{Op: op, Code: resp.StatusCode, Body: errorBody(b)}
		span.RecordError(serr)
		span.SetStatus(codes.Error, resp.Status)
		span.End()
		c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("dur", time.Since(start)).Msg("backend call rejected")
		return nil, nil, serr
	}
	c.log.Debug().Str("op", op).Int("status", resp.StatusCode).Dur("dur", time.Since(start)).Msg("backend call ok")
	return resp, span, nil
}

// errorBody extracts {"error": "..."} when present, else returns the trimmed body.
func errorBody(b []byte) string {
	var er struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		return er.Error
	}
	return strings.TrimSpace(string(b))
}

// spanBody ends the call span when the stream body is closed.
type spanBody struct {
	io.ReadCloser
	span trace.Span
}

func (b *spanBody) Close() error {
	err := b.ReadCloser.Close()
	b.span.End()
	return err
}
