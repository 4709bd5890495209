package stream

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zackledotcom/hellogpt/internal/backend"
	"github.com/zackledotcom/hellogpt/pkg/types"
)

func TestDecodePullProgress(t *testing.T) {
	body := strings.Join([]string{
		`{"status":"pulling manifest"}`,
		`{"status":"pulling abc","digest":"abc","total":200,"completed":100}`,
		`{"status":"pulling abc","digest":"abc","total":200,"completed":200}`,
		`{"status":"success"}`,
		`{"status":"ignored"}`,
	}, "\n")
	var got []float64
	err := DecodePull(context.Background(), strings.NewReader(body), func(p types.PullProgress) error {
		if pct, ok := Percent(p); ok {
			got = append(got, pct)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 100, 100}, got)
}

func TestDecodePullErrorRecord(t *testing.T) {
	body := `{"status":"pulling manifest"}` + "\n" + `{"error":"pull model manifest: file does not exist"}` + "\n"
	err := DecodePull(context.Background(), strings.NewReader(body), func(types.PullProgress) error { return nil })
	require.Error(t, err)
	assert.True(t, backend.IsProtocol(err))
	assert.Contains(t, err.Error(), "file does not exist")
}

func TestDecodePullIncomplete(t *testing.T) {
	err := DecodePull(context.Background(), strings.NewReader(`{"status":"pulling manifest"}`), func(types.PullProgress) error { return nil })
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestDecodePullSuccessWithoutNewline(t *testing.T) {
	n := 0
	err := DecodePull(context.Background(), strings.NewReader(`{"status":"success"}`), func(types.PullProgress) error { n++; return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPercent(t *testing.T) {
	pct, ok := Percent(types.PullProgress{Status: "pulling manifest"})
	assert.False(t, ok)
	assert.Zero(t, pct)
	pct, ok = Percent(types.PullProgress{Total: 4, Completed: 1})
	assert.True(t, ok)
	assert.Equal(t, 25.0, pct)
	pct, _ = Percent(types.PullProgress{Total: 4, Completed: 9})
	assert.Equal(t, 100.0, pct)
}
