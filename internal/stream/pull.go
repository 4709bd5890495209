package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/zackledotcom/hellogpt/internal/backend"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

// PullSuccess is the status of the final pull record.
const PullSuccess = "success"

// DecodePull reads pull progress records from r and hands each to fn in order.
// It returns nil after the success record, the first error fn returns, or a
// ProtocolError for malformed content and error records.
func DecodePull(ctx context.Context, r io.Reader, fn func(types.PullProgress) error) error {
	var lb lineBuffer
	buf := make([]byte, 4096)
	handle := func(line string) (bool, error) {
		if strings.TrimSpace(line) == "" {
			return false, nil
		}
		var p types.PullProgress
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return true, &backend.ProtocolError{Op: "pull", Line: line, Err: err}
		}
		if p.Error != "" {
			return true, &backend.ProtocolError{Op: "pull", Err: errors.New(p.Error)}
		}
		if err := fn(p); err != nil {
			return true, err
		}
		return p.Status == PullSuccess, nil
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			for _, line := range lb.push(buf[:n]) {
				if stop, err := handle(line); stop || err != nil {
					return err
				}
			}
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(rerr, io.EOF) {
				return &backend.NetworkError{Op: "pull", Err: rerr}
			}
			if stop, err := handle(lb.rest()); stop || err != nil {
				return err
			}
			return &backend.ProtocolError{Op: "pull", Err: ErrIncomplete}
		}
	}
}

// Percent converts a pull record to a 0-100 progress value. Records without a
// total report ok=false.
func Percent(p types.PullProgress) (pct float64, ok bool) {
	if p.Status == PullSuccess {
		return 100, true
	}
	if p.Total <= 0 {
		return 0, false
	}
	pct = float64(p.Completed) / float64(p.Total) * 100
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct, true
}
