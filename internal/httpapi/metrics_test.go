package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zackledotcom/hellogpt/internal/queue"
	"github.com/zackledotcom/hellogpt/internal/stream"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// gatedService holds SendMessage and the stream after its first chunk until
// release is closed.
type gatedService struct {
	*mockService
	entered chan struct{}
	release chan struct{}
}

func newGatedService() *gatedService {
	return &gatedService{mockService: &mockService{}, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g *gatedService) SendMessage(ctx context.Context, text string) (types.Reply, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return types.Reply{}, ctx.Err()
	}
	return types.Reply{Text: "late"}, nil
}

func (g *gatedService) SendMessageStream(ctx context.Context, text string, h stream.Handlers) *stream.Session {
	s := stream.NewSession(h)
	go func() {
		s.Feed([]byte(`{"response":"first","done":false}` + "\n"))
		select {
		case <-g.release:
		case <-s.Done():
			return
		}
		s.Feed([]byte(`{"response":"","done":true}` + "\n"))
	}()
	return s
}

func TestRequestsLabelledByRouteAndStatus(t *testing.T) {
	mux := NewMux(&mockService{err: queue.ErrFallbackMode})
	unavailable := httpRequestsTotal.WithLabelValues("/v1/message", http.MethodPost, "503")
	before := testutil.ToFloat64(unavailable)

	w := postJSON(mux, "/v1/message", `{"text":"hi"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if got := testutil.ToFloat64(unavailable); got != before+1 {
		t.Fatalf("requests_total{/v1/message,POST,503}: before=%v after=%v", before, got)
	}

	state := httpRequestsTotal.WithLabelValues("/v1/model/state", http.MethodGet, "200")
	before = testutil.ToFloat64(state)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/model/state", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if got := testutil.ToFloat64(state); got != before+1 {
		t.Fatalf("requests_total{/v1/model/state,GET,200}: before=%v after=%v", before, got)
	}
}

func TestInflightGaugeTracksBridgeRequests(t *testing.T) {
	svc := newGatedService()
	mux := NewMux(svc)
	gauge := httpInflight.WithLabelValues("/v1/message")
	base := testutil.ToFloat64(gauge)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- postJSON(mux, "/v1/message", `{"text":"hi"}`) }()
	<-svc.entered
	if got := testutil.ToFloat64(gauge); got != base+1 {
		t.Fatalf("inflight during request: want %v, got %v", base+1, got)
	}
	close(svc.release)
	if w := <-done; w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if got := testutil.ToFloat64(gauge); got != base {
		t.Fatalf("inflight after request: want %v, got %v", base, got)
	}
}

func TestStreamFlushesThroughMetricsRecorder(t *testing.T) {
	svc := newGatedService()
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()
	defer close(svc.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/message/stream", bytes.NewBufferString(`{"text":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	// The first event must arrive while the stream is still held open.
	line, err := bufio.NewReader(resp.Body).ReadBytes('\n')
	if err != nil {
		t.Fatalf("first event not flushed: %v", err)
	}
	var ev types.StreamEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Chunk != "first" {
		t.Fatalf("unexpected first event %q: %v", line, err)
	}
}
