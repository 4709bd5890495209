package types

// GenerateRequest is the body of POST /generate.
type GenerateRequest struct {
	// Model to run the prompt against.
	// example: llama3
	Model string `json:"model"`
	// Prompt text.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt"`
	// Stream selects NDJSON streaming when true.
	Stream bool `json:"stream"`
	// Backend-specific sampling options (temperature, top_p, ...).
	Options map[string]any `json:"options,omitempty"`
}

// ChatMessage is one turn of a conversation.
type ChatMessage struct {
	// example: user
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

// GenerateResponse is a unary /generate reply or one line of a streamed reply.
// Chat replies carry the text in Message instead of Response.
type GenerateResponse struct {
	Model     string       `json:"model,omitempty"`
	CreatedAt string       `json:"created_at,omitempty"`
	Response  string       `json:"response"`
	Message   *ChatMessage `json:"message,omitempty"`
	Done      bool         `json:"done"`
	Error     string       `json:"error,omitempty"`
	// Timing fields reported on the final record.
	TotalDuration int64 `json:"total_duration,omitempty"`
	LoadDuration  int64 `json:"load_duration,omitempty"`
	EvalCount     int   `json:"eval_count,omitempty"`
}

// Text returns the text fragment of the record regardless of endpoint.
func (r GenerateResponse) Text() string {
	if r.Message != nil && r.Response == "" {
		return r.Message.Content
	}
	return r.Response
}

// PullRequest is the body of POST /pull.
type PullRequest struct {
	Name   string `json:"name"`
	Stream bool   `json:"stream"`
}

// PullProgress is one streamed line of a pull.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

// CancelRequest is the body of POST /cancel.
type CancelRequest struct {
	Name string `json:"name,omitempty"`
}

// EmbeddingsRequest is the body of POST /embeddings.
type EmbeddingsRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

// EmbeddingsResponse is the reply of POST /embeddings.
type EmbeddingsResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// TagsResponse wraps the list of models returned by GET /tags.
type TagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: fallback mode active
	Error string `json:"error"`
	// HTTP status code.
	// example: 503
	Code int `json:"code"`
	// Degraded is set when the failure is the temporary fallback mode rather than a hard error.
	Degraded bool `json:"degraded,omitempty"`
}
