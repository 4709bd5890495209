package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zackledotcom/hellogpt/pkg/types"
)

func TestMessageLogsWithZerologInfo(t *testing.T) {
	SetLogger(zerolog.New(io.Discard))
	defer SetLogger(zerolog.Nop())

	svc := &mockService{reply: types.Reply{Text: "x"}}
	w := postJSON(NewMux(svc), "/v1/message?log=info", `{"text":"hi"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with info logging, got %d", w.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	h := NewMux(&mockService{})
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

// blockService blocks unary calls until the context is done.
type blockService struct{ mockService }

func (b *blockService) SendMessage(ctx context.Context, text string) (types.Reply, error) {
	<-ctx.Done()
	return types.Reply{}, ctx.Err()
}

func TestMessageTimeoutMaps504(t *testing.T) {
	defer SetMessageTimeout(0)
	SetMessageTimeout(20 * time.Millisecond)

	w := postJSON(NewMux(&blockService{}), "/v1/message", `{"text":"x"}`)
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504 on timeout, got %d", w.Code)
	}
}

func TestModelEventsStream(t *testing.T) {
	svc := &mockService{loadState: types.ModelLoadState{Status: types.LoadIdle}}
	srv := httptest.NewServer(NewMux(svc))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/model/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	next := func() types.ModelLoadState {
		t.Helper()
		if !sc.Scan() {
			t.Fatalf("stream ended: %v", sc.Err())
		}
		var st types.ModelLoadState
		if err := json.Unmarshal(sc.Bytes(), &st); err != nil {
			t.Fatalf("json: %v", err)
		}
		return st
	}
	if st := next(); st.Status != types.LoadIdle {
		t.Fatalf("first event should be the current state, got %+v", st)
	}
	svc.publish(types.ModelLoadState{Status: types.LoadLoading, Model: "m", Progress: 40, IsLoading: true})
	if st := next(); st.Status != types.LoadLoading || st.Progress != 40 {
		t.Fatalf("unexpected event: %+v", st)
	}
}
