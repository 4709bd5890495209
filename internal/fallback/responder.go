// Package fallback produces degraded answers while the backend is unreachable:
// canned replies picked by keyword and deterministic pseudo-embeddings.
package fallback

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"math/rand/v2"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zackledotcom/hellogpt/internal/metrics"
)

// DefaultDims matches the width of common local embedding models.
const DefaultDims = 384

const defaultCacheSize = 1024

// DefaultReply answers messages no rule matches.
const DefaultReply = "I can't reach the local model server right now. " +
	"Your message was not sent; please try again in a minute."

// Rule selects Reply when any keyword occurs as a word of the message.
type Rule struct {
	Keywords []string
	Reply    string
}

// DefaultRules is the built-in keyword table.
var DefaultRules = []Rule{
	{
		Keywords: []string{"hello", "hi", "hey", "greetings"},
		Reply:    "Hello! The model server is offline at the moment, so I can only give short canned answers until it is back.",
	},
	{
		Keywords: []string{"help", "how", "what", "why"},
		Reply:    "I'd like to help, but the model server is unreachable. Check that it is running; I will reconnect automatically.",
	},
	{
		Keywords: []string{"model", "models", "download", "pull", "load"},
		Reply:    "Model management needs the model server, which is not responding. Try again once the connection is restored.",
	},
	{
		Keywords: []string{"status", "offline", "online", "connection", "connected"},
		Reply:    "The model server is unreachable and fallback mode is active. Normal replies resume after the next successful health check.",
	},
	{
		Keywords: []string{"thanks", "thank", "bye", "goodbye"},
		Reply:    "You're welcome! Full answers will be available again as soon as the model server is back.",
	},
}

// Options configures a Responder.
type Options struct {
	// Dims is the pseudo-embedding width. Zero uses DefaultDims.
	Dims      int
	CacheSize int
	Rules     []Rule
	Default   string
}

// Responder answers without the backend. It is safe for concurrent use.
type Responder struct {
	dims  int
	rules []Rule
	def   string
	cache *lru.Cache[string, []float64]
}

// New constructs a Responder.
func New(opts Options) (*Responder, error) {
	r := &Responder{dims: opts.Dims, rules: opts.Rules, def: opts.Default}
	if r.dims <= 0 {
		r.dims = DefaultDims
	}
	if r.rules == nil {
		r.rules = DefaultRules
	}
	if r.def == "" {
		r.def = DefaultReply
	}
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New[string, []float64](size)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

// Dims returns the pseudo-embedding width.
func (r *Responder) Dims() int { return r.dims }

// Reply returns the canned answer for text: the first rule with a keyword
// among the words of text, else the default reply.
func (r *Responder) Reply(text string) string {
	metrics.FallbackReplies.WithLabelValues("reply").Inc()
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	}) {
		words[w] = struct{}{}
	}
	for _, rule := range r.rules {
		for _, k := range rule.Keywords {
			if _, ok := words[strings.ToLower(k)]; ok {
				return rule.Reply
			}
		}
	}
	return r.def
}

// Embedding returns a unit-length vector derived only from text. Equal inputs
// yield equal vectors across calls and processes.
func (r *Responder) Embedding(text string) []float64 {
	metrics.FallbackReplies.WithLabelValues("embedding").Inc()
	if v, ok := r.cache.Get(text); ok {
		return append([]float64(nil), v...)
	}
	v := pseudoEmbedding(text, r.dims)
	r.cache.Add(text, v)
	return append([]float64(nil), v...)
}

func pseudoEmbedding(text string, dims int) []float64 {
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewPCG(binary.LittleEndian.Uint64(sum[:8]), binary.LittleEndian.Uint64(sum[8:16])))
	v := make([]float64, dims)
	var norm float64
	for i := range v {
		v[i] = rng.Float64()*2 - 1
		norm += v[i] * v[i]
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0], norm = 1, 1
	}
	for i := range v {
		v[i] /= norm
	}
	return v
}
