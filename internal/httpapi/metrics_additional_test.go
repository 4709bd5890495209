package httpapi

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zackledotcom/hellogpt/internal/queue"
)

func TestIncrementRejected_IncrementsCounter(t *testing.T) {
	baseline := testutil.ToFloat64(rejectedTotal.WithLabelValues("closed"))
	IncrementRejected("closed")
	IncrementRejected("closed")
	got := testutil.ToFloat64(rejectedTotal.WithLabelValues("closed"))
	if got < baseline+2 {
		t.Fatalf("expected rejected counter >= %v, got %v", baseline+2, got)
	}

	// Empty reason should default to "unspecified"
	before := testutil.ToFloat64(rejectedTotal.WithLabelValues("unspecified"))
	IncrementRejected("")
	after := testutil.ToFloat64(rejectedTotal.WithLabelValues("unspecified"))
	if after < before+1 {
		t.Fatalf("expected unspecified reason to increment by at least 1: before=%v after=%v", before, after)
	}
}

func TestFallbackRejectionCounted(t *testing.T) {
	before := testutil.ToFloat64(rejectedTotal.WithLabelValues("fallback"))
	w := postJSON(NewMux(&mockService{err: queue.ErrFallbackMode}), "/v1/message", `{"text":"hi"}`)
	if w.Code != 503 {
		t.Fatalf("status=%d", w.Code)
	}
	if after := testutil.ToFloat64(rejectedTotal.WithLabelValues("fallback")); after < before+1 {
		t.Fatalf("fallback rejection not counted: before=%v after=%v", before, after)
	}
}
