package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/zackledotcom/hellogpt/internal/backend"
	"github.com/zackledotcom/hellogpt/internal/client"
	"github.com/zackledotcom/hellogpt/internal/modelload"
	"github.com/zackledotcom/hellogpt/internal/queue"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// statusFor maps the client error taxonomy onto HTTP status codes. degraded
// marks the fallback-mode rejection so callers can tell it from a hard error.
func statusFor(err error) (status int, degraded bool) {
	var he HTTPError
	switch {
	case queue.IsFallbackMode(err):
		return http.StatusServiceUnavailable, true
	case errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable, false
	case errors.Is(err, client.ErrEmptyMessage), errors.Is(err, modelload.ErrEmptyModel):
		return http.StatusBadRequest, false
	case errors.As(err, &he):
		if c := he.StatusCode(); c >= 400 && c < 500 {
			return c, false
		}
		return http.StatusBadGateway, false
	case backend.IsProtocol(err):
		return http.StatusBadGateway, false
	case backend.IsNetwork(err):
		var ne *backend.NetworkError
		if errors.As(err, &ne) && ne.Timeout() {
			return http.StatusGatewayTimeout, false
		}
		return http.StatusBadGateway, false
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, false
	}
	return http.StatusInternalServerError, false
}

// writeError maps err and writes it as a JSON error payload.
func writeError(w http.ResponseWriter, err error) {
	status, degraded := statusFor(err)
	if degraded {
		IncrementRejected("fallback")
	}
	writeJSON(w, status, types.ErrorResponse{Error: err.Error(), Code: status, Degraded: degraded})
}

// fail writes err unless the request itself went away. Fallback-mode
// rejections advertise Retry-After.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		return
	}
	if queue.IsFallbackMode(err) {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
	}
	writeError(w, err)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
