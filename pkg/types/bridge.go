package types

// MessageRequest is the body of POST /v1/message and /v1/message/stream.
type MessageRequest struct {
	// example: Why is the sky blue?
	Text string `json:"text"`
}

// ChatBody is the body of POST /v1/chat.
type ChatBody struct {
	Messages []ChatMessage `json:"messages"`
}

// SetModelRequest is the body of PUT /v1/model. Options, when present, are
// stored for the model before the switch starts.
type SetModelRequest struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

// ModelResponse reports the active model and the load state.
type ModelResponse struct {
	Model string         `json:"model"`
	State ModelLoadState `json:"state"`
}

// ModelsResponse is the body of GET /v1/models.
type ModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

// EmbedRequest is the body of POST /v1/embed.
type EmbedRequest struct {
	Text string `json:"text"`
}

// EmbedResponse carries a unit-length embedding. Degraded marks a
// pseudo-embedding produced in fallback mode.
type EmbedResponse struct {
	Embedding []float64 `json:"embedding"`
	Degraded  bool      `json:"degraded,omitempty"`
}

// StreamEvent is one NDJSON line of /v1/message/stream: a chunk, the final
// done marker, or a terminal error.
type StreamEvent struct {
	Chunk string `json:"chunk,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}
