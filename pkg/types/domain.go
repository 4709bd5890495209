package types

import "time"

// ModelInfo describes a model known to the inference server.
type ModelInfo struct {
	// example: llama3:latest
	Name string `json:"name"`
	// Size in bytes.
	Size       int64  `json:"size"`
	Digest     string `json:"digest,omitempty"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

// ConnectionState is the coarse reachability of the backend.
type ConnectionState string

const (
	Connected    ConnectionState = "connected"
	Disconnected ConnectionState = "disconnected"
)

// ConnectionStatus is the report returned by CheckConnection.
type ConnectionStatus struct {
	Status              ConnectionState `json:"status"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	LastSuccess         time.Time       `json:"last_success,omitempty"`
	LastChecked         time.Time       `json:"last_checked,omitempty"`
	FallbackActive      bool            `json:"fallback_active"`
	FallbackDeadline    time.Time       `json:"fallback_deadline,omitempty"`
	// ConnectionAttempts counts every probe since start.
	ConnectionAttempts int    `json:"connection_attempts"`
	LastError          string `json:"last_error,omitempty"`
}

// LoadStatus is the lifecycle of a model load.
type LoadStatus string

const (
	LoadIdle      LoadStatus = "idle"
	LoadLoading   LoadStatus = "loading"
	LoadLoaded    LoadStatus = "loaded"
	LoadError     LoadStatus = "error"
	LoadCancelled LoadStatus = "cancelled"
)

// ModelLoadState is the published state of the model load controller.
type ModelLoadState struct {
	Status    LoadStatus    `json:"status"`
	Model     string        `json:"model,omitempty"`
	Progress  float64       `json:"progress"`
	ETA       time.Duration `json:"eta,omitempty"`
	Error     string        `json:"error,omitempty"`
	IsLoading bool          `json:"isLoading"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Reply is a conversational answer. Degraded marks a canned answer produced
// while the backend is unreachable.
type Reply struct {
	Text     string `json:"text"`
	Model    string `json:"model,omitempty"`
	Degraded bool   `json:"degraded,omitempty"`
}
