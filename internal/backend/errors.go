package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// NetworkError is a transport-level failure: connection refused, reset,
// DNS failure or a per-call timeout.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return "network error during " + e.Op + ": " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a per-call deadline.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(e.Err, &te) && te.Timeout()
}

// StatusError is a non-2xx reply from the server.
type StatusError struct {
	Op   string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: server returned %d %s", e.Op, e.Code, http.StatusText(e.Code))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// StatusCode lets the HTTP layer pass the backend status through.
func (e *StatusError) StatusCode() int { return e.Code }

// ProtocolError is content outside the wire contract: a malformed JSON line,
// an error record inside a stream, an unexpected body shape.
type ProtocolError struct {
	Op   string
	Line string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("protocol error during %s: %v (line %q)", e.Op, e.Err, e.Line)
	}
	return fmt.Sprintf("protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsNetwork reports whether err is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsServerError reports whether err is a 5xx StatusError.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}

// IsClientError reports whether err is a 4xx StatusError.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// IsProtocol reports whether err is a ProtocolError.
func IsProtocol(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
