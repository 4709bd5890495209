// Package events carries lifecycle events of the client core to an optional sink.
package events

import "time"

// Event names published by the core.
const (
	OpRetry        = "op_retry"
	OpSettled      = "op_settled"
	ProbeFailed    = "probe_failed"
	ProbeOK        = "probe_ok"
	FallbackEnter  = "fallback_enter"
	FallbackExit   = "fallback_exit"
	FallbackExpire = "fallback_expire"
	LoadStart      = "load_start"
	LoadProgress   = "load_progress"
	LoadDone       = "load_done"
	LoadFailed     = "load_failed"
	LoadCancelled  = "load_cancelled"
)

// Event is a lifecycle event: a name, the model or operation it concerns and
// optional fields.
type Event struct {
	Name   string
	Target string
	At     time.Time
	Fields map[string]any
}

// Publisher receives events. Implementations must be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Noop drops events. It is the default publisher.
type Noop struct{}

func (Noop) Publish(Event) {}

// OrNoop returns p, or Noop when p is nil.
func OrNoop(p Publisher) Publisher {
	if p == nil {
		return Noop{}
	}
	return p
}
