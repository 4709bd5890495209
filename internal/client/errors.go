package client

import (
	"errors"

	"github.com/zackledotcom/hellogpt/internal/queue"
)

// ErrEmptyMessage is returned for a blank prompt.
var ErrEmptyMessage = errors.New("message is empty")

// ErrFallbackMode is re-exported for callers that only import client.
var ErrFallbackMode = queue.ErrFallbackMode

// IsFallbackMode reports whether err is the fallback-mode rejection.
func IsFallbackMode(err error) bool { return queue.IsFallbackMode(err) }
