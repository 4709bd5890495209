package fallback

import (
	"math"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zackledotcom/hellogpt/internal/metrics"
)

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

func TestReplyKeywords(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)

	cases := []struct {
		in   string
		want string
	}{
		{"Hello there!", DefaultRules[0].Reply},
		{"how do I bake bread?", DefaultRules[1].Reply},
		{"PULL the mistral model", DefaultRules[2].Reply},
		{"thanks, bye", DefaultRules[4].Reply},
		{"xyzzy", DefaultReply},
		{"", DefaultReply},
		// Substrings are not words.
		{"this", DefaultReply},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, r.Reply(tc.in), "input %q", tc.in)
	}
}

func TestReplyCustomRules(t *testing.T) {
	r, err := New(Options{Rules: []Rule{{Keywords: []string{"Ping"}, Reply: "pong"}}, Default: "offline"})
	require.NoError(t, err)
	assert.Equal(t, "pong", r.Reply("ping?"))
	assert.Equal(t, "offline", r.Reply("hello"))
}

func TestEmbeddingDeterministicAndNormalized(t *testing.T) {
	r, err := New(Options{CacheSize: 2})
	require.NoError(t, err)
	other, err := New(Options{})
	require.NoError(t, err)

	a := r.Embedding("the quick brown fox")
	require.Len(t, a, DefaultDims)
	assert.InDelta(t, 1.0, norm(a), 1e-9)
	assert.Equal(t, a, other.Embedding("the quick brown fox"))
	assert.NotEqual(t, a, r.Embedding("the quick brown cat"))

	// Mutating a returned vector does not affect the cache.
	a[0] = 42
	assert.NotEqual(t, 42.0, r.Embedding("the quick brown fox")[0])
}

func TestEmbeddingDims(t *testing.T) {
	r, err := New(Options{Dims: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, r.Dims())
	v := r.Embedding("")
	assert.Len(t, v, 8)
	assert.InDelta(t, 1.0, norm(v), 1e-9)
}

func TestFallbackMetrics(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	before := testutil.ToFloat64(metrics.FallbackReplies.WithLabelValues("reply"))
	r.Reply("hi")
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.FallbackReplies.WithLabelValues("reply")))
}
