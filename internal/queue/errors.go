package queue

import "errors"

// ErrFallbackMode is returned without any network attempt while the connection
// monitor reports fallback mode.
var ErrFallbackMode = errors.New("fallback mode active: backend unreachable")

// ErrClosed is returned for operations submitted to, or still pending in, a closed queue.
var ErrClosed = errors.New("request queue closed")

// IsFallbackMode reports whether err is the fallback-mode rejection.
func IsFallbackMode(err error) bool { return errors.Is(err, ErrFallbackMode) }
