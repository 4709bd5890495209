// Package stream turns a line-delimited JSON response body into ordered chunk
// callbacks with exactly one terminal event.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/zackledotcom/hellogpt/internal/backend"
	"github.com/zackledotcom/hellogpt/internal/metrics"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// ErrIncomplete is reported when the body ends before the backend's done record.
var ErrIncomplete = errors.New("stream ended before done record")

// Handlers receive the events of one session. Any of them may be nil.
// OnChunk calls preserve delivery order. Exactly one of OnError or OnComplete
// fires per session unless the session is cancelled first.
type Handlers struct {
	OnChunk    func(chunk string)
	OnError    func(err error)
	OnComplete func()
}

// Session is the state of one streaming call.
//
// Malformed lines are fatal: the session ends with a ProtocolError. Blank lines
// are keep-alives and are ignored.
type Session struct {
	ID string

	mu        sync.Mutex
	h         Handlers
	lines     lineBuffer
	cancelled bool
	settled   bool
	err       error
	delivered int
	done      chan struct{}
}

// NewSession creates a session bound to h.
func NewSession(h Handlers) *Session {
	metrics.StreamSessions.WithLabelValues("opened").Inc()
	return &Session{ID: uuid.NewString(), h: h, done: make(chan struct{})}
}

// Feed consumes the next slice of the body. It returns false once the session
// has ended or been cancelled, signalling the reader to stop.
func (s *Session) Feed(p []byte) bool {
	s.mu.Lock()
	if s.cancelled || s.settled {
		s.mu.Unlock()
		return false
	}
	lines := s.lines.push(p)
	s.mu.Unlock()

	for _, line := range lines {
		if !s.handleLine(line) {
			return false
		}
	}
	return true
}

// Close marks the end of input. A buffered partial line is parsed as the last
// record; a body that ends without a done record fails the session.
func (s *Session) Close() {
	s.mu.Lock()
	if s.cancelled || s.settled {
		s.mu.Unlock()
		return
	}
	tail := s.lines.rest()
	s.mu.Unlock()

	if strings.TrimSpace(tail) != "" && !s.handleLine(tail) {
		return
	}
	s.Fail(&backend.ProtocolError{Op: "stream", Err: ErrIncomplete})
}

// Cancel stops the session: OnError and OnComplete never fire afterwards and
// no chunk accepted after the call reaches OnChunk. Cancel does not wait for
// a handler running on another goroutine, so one chunk accepted just before
// the call may still be delivered after Cancel returns. Handlers may call
// Cancel.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.settled {
		return
	}
	s.cancelled = true
	s.err = context.Canceled
	metrics.StreamSessions.WithLabelValues("cancelled").Inc()
	close(s.done)
}

// Fail ends the session with err unless it already ended.
func (s *Session) Fail(err error) {
	if !s.settle(err) {
		return
	}
	if s.h.OnError != nil {
		s.h.OnError(err)
	}
}

func (s *Session) complete() {
	if !s.settle(nil) {
		return
	}
	if s.h.OnComplete != nil {
		s.h.OnComplete()
	}
}

// settle records the terminal outcome; only the first caller wins.
func (s *Session) settle(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled || s.settled {
		return false
	}
	s.settled = true
	s.err = err
	if err != nil {
		metrics.StreamSessions.WithLabelValues("failed").Inc()
	} else {
		metrics.StreamSessions.WithLabelValues("completed").Inc()
	}
	close(s.done)
	return true
}

// handleLine decodes one record and dispatches it. It returns false when the
// record ended the session.
func (s *Session) handleLine(line string) bool {
	if strings.TrimSpace(line) == "" {
		return true
	}
	var rec types.GenerateResponse
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		s.Fail(&backend.ProtocolError{Op: "stream", Line: line, Err: err})
		return false
	}
	if rec.Error != "" {
		s.Fail(&backend.ProtocolError{Op: "stream", Err: errors.New(rec.Error)})
		return false
	}
	if text := rec.Text(); text != "" {
		if !s.emit(text) {
			return false
		}
	}
	if rec.Done {
		s.complete()
		return false
	}
	return true
}

func (s *Session) emit(chunk string) bool {
	s.mu.Lock()
	if s.cancelled || s.settled {
		s.mu.Unlock()
		return false
	}
	s.delivered++
	s.mu.Unlock()
	metrics.StreamChunks.Inc()
	if s.h.OnChunk != nil {
		s.h.OnChunk(chunk)
	}
	return true
}

// Done is closed when the session completes, fails or is cancelled.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the terminal error: nil after completion, context.Canceled after
// Cancel. Only meaningful once Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Delivered returns how many chunks reached OnChunk.
func (s *Session) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Ended reports whether the session reached a terminal state.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settled || s.cancelled
}

// Consume reads r into s until the session ends, r is exhausted or ctx is
// done. Cancelling ctx cancels the session. The returned error is the
// session's terminal error.
func Consume(ctx context.Context, r io.Reader, s *Session) error {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			s.Cancel()
			return s.Err()
		}
		n, err := r.Read(buf)
		if n > 0 && !s.Feed(buf[:n]) {
			return s.Err()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.Close()
				return s.Err()
			}
			if ctx.Err() != nil {
				s.Cancel()
				return s.Err()
			}
			s.Fail(&backend.NetworkError{Op: "stream", Err: err})
			return s.Err()
		}
	}
}
