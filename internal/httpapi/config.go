package httpapi

import "time"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// messageTimeout bounds unary message/chat/embed requests. Zero means the
// request runs until the caller disconnects.
var messageTimeout time.Duration

// SetMessageTimeout sets the unary request bound (0 disables).
func SetMessageTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	messageTimeout = d
}

// MessageTimeout returns the unary request bound.
func MessageTimeout() time.Duration { return messageTimeout }

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server. Empty method
// and header lists use the bridge defaults.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
