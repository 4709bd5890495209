package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zackledotcom/hellogpt/internal/stream"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// Service is the client boundary exposed over HTTP.
type Service interface {
	SendMessage(ctx context.Context, text string) (types.Reply, error)
	SendMessageStream(ctx context.Context, text string, h stream.Handlers) *stream.Session
	Chat(ctx context.Context, messages []types.ChatMessage) (types.Reply, error)
	ListModels(ctx context.Context) ([]types.ModelInfo, error)
	SetModel(name string) error
	SetModelOptions(name string, opts map[string]any)
	CurrentModel() string
	ModelLoadState() types.ModelLoadState
	SubscribeModelLoadState(fn func(types.ModelLoadState)) func()
	CancelLoad()
	CheckConnection(ctx context.Context) types.ConnectionStatus
	ConnectionStatus() types.ConnectionStatus
	Embed(ctx context.Context, text string) ([]float64, bool, error)
}

// NewMux builds the router of the local bridge.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(logRequests)
	if corsEnabled {
		r.Use(corsHandler())
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	h := &handlers{svc: svc}
	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(inflight)
			r.Post("/message", h.message)
			r.Post("/message/stream", h.messageStream)
			r.Post("/chat", h.chat)
			r.Get("/models", h.models)
			r.Get("/model", h.model)
			r.Put("/model", h.setModel)
			r.Get("/model/state", h.modelState)
			r.Get("/model/events", h.modelEvents)
			r.Post("/model/cancel", h.cancelLoad)
			r.Get("/connection", h.connection)
			r.Post("/connection/check", h.checkConnection)
			r.Post("/embed", h.embed)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Ready means normal traffic flows; fallback and unverified states are not ready.
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		st := svc.ConnectionStatus()
		switch {
		case st.FallbackActive:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("fallback"))
		case st.Status == types.Connected:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(string(st.Status)))
		}
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

func corsHandler() func(http.Handler) http.Handler {
	methods := corsAllowedMethods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}
	}
	headers := corsAllowedHeaders
	if len(headers) == 0 {
		headers = []string{"Accept", "Content-Type", "X-Request-Id", "X-Log-Level"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: corsAllowedOrigins,
		AllowedMethods: methods,
		AllowedHeaders: headers,
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the content type and body limit and decodes into v.
// It writes the error response itself and reports false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (h *handlers) message(w http.ResponseWriter, r *http.Request) {
	var req types.MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r.Context(), true)
	defer cancel()
	reply, err := h.svc.SendMessage(ctx, req.Text)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *handlers) chat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatBody
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r.Context(), true)
	defer cancel()
	reply, err := h.svc.Chat(ctx, req.Messages)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// messageStream relays a streaming reply as NDJSON StreamEvents. Headers are
// sent with the first event, so errors before any chunk still get a proper
// status code.
func (h *handlers) messageStream(w http.ResponseWriter, r *http.Request) {
	var req types.MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r.Context(), false)
	defer cancel()

	evs := make(chan types.StreamEvent, 16)
	send := func(ev types.StreamEvent) {
		select {
		case evs <- ev:
		case <-ctx.Done():
		}
	}
	var streamErr error
	s := h.svc.SendMessageStream(ctx, req.Text, stream.Handlers{
		OnChunk:    func(c string) { send(types.StreamEvent{Chunk: c}) },
		OnComplete: func() { send(types.StreamEvent{Done: true}) },
		OnError: func(err error) {
			streamErr = err
			status, _ := statusFor(err)
			send(types.StreamEvent{Error: err.Error(), Code: status})
		},
	})
	defer s.Cancel()

	var enc *json.Encoder
	var flush func()
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-evs:
			if enc == nil {
				if ev.Error != "" {
					// Nothing was streamed yet: answer with a plain error.
					fail(w, r, streamErr)
					return
				}
				w.Header().Set("Content-Type", "application/x-ndjson")
				w.WriteHeader(http.StatusOK)
				out := io.Writer(w)
				if requestLogLevel(r) >= LevelDebug {
					out = io.MultiWriter(w, &loggingLineWriter{requestID: middleware.GetReqID(r.Context())})
				}
				enc = json.NewEncoder(out)
			}
			_ = enc.Encode(ev)
			if flush != nil {
				flush()
			}
			if ev.Done || ev.Error != "" {
				return
			}
		}
	}
}

func (h *handlers) models(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r.Context(), true)
	defer cancel()
	models, err := h.svc.ListModels(ctx)
	if err != nil {
		fail(w, r, err)
		return
	}
	if models == nil {
		models = []types.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

func (h *handlers) model(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.ModelResponse{Model: h.svc.CurrentModel(), State: h.svc.ModelLoadState()})
}

func (h *handlers) setModel(w http.ResponseWriter, r *http.Request) {
	var req types.SetModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.Name)
	if name != "" && req.Options != nil {
		h.svc.SetModelOptions(name, req.Options)
	}
	if err := h.svc.SetModel(name); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.ModelResponse{Model: h.svc.CurrentModel(), State: h.svc.ModelLoadState()})
}

func (h *handlers) modelState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ModelLoadState())
}

// modelEvents streams every ModelLoadState as NDJSON, starting with the
// current one, until the client disconnects. A client that falls behind by
// more than the buffer loses intermediate states, never the latest.
func (h *handlers) modelEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r.Context(), false)
	defer cancel()

	states := make(chan types.ModelLoadState, 32)
	push := func(st types.ModelLoadState) {
		for {
			select {
			case states <- st:
				return
			default:
			}
			select {
			case <-states:
			default:
			}
		}
	}
	unsubscribe := h.svc.SubscribeModelLoadState(push)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	flush := func() {}
	if f, ok := w.(http.Flusher); ok {
		flush = f.Flush
	}
	_ = enc.Encode(h.svc.ModelLoadState())
	flush()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-states:
			if err := enc.Encode(st); err != nil {
				return
			}
			flush()
		}
	}
}

func (h *handlers) cancelLoad(w http.ResponseWriter, r *http.Request) {
	h.svc.CancelLoad()
	writeJSON(w, http.StatusOK, h.svc.ModelLoadState())
}

func (h *handlers) connection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ConnectionStatus())
}

func (h *handlers) checkConnection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := requestContext(r.Context(), true)
	defer cancel()
	writeJSON(w, http.StatusOK, h.svc.CheckConnection(ctx))
}

func (h *handlers) embed(w http.ResponseWriter, r *http.Request) {
	var req types.EmbedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx, cancel := requestContext(r.Context(), true)
	defer cancel()
	vec, degraded, err := h.svc.Embed(ctx, req.Text)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EmbedResponse{Embedding: vec, Degraded: degraded})
}
