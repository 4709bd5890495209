package events

import "github.com/rs/zerolog"

// Logger writes every event as a debug record.
type Logger struct {
	Log zerolog.Logger
}

func (l Logger) Publish(e Event) {
	ev := l.Log.Debug().Str("event", e.Name).Time("at", e.At)
	if e.Target != "" {
		ev = ev.Str("target", e.Target)
	}
	if len(e.Fields) > 0 {
		ev = ev.Fields(e.Fields)
	}
	ev.Msg("core event")
}
