package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/mitmctl/internal/daemon"
)

func openMemory(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, j.Record(daemon.VerdictRecord{ConnID: 1, MessageID: "1", Kind: "request", DecidedAt: base}))
	require.NoError(t, j.Record(daemon.VerdictRecord{ConnID: 1, MessageID: "2", Kind: "response", Dropped: true, DecidedAt: base.Add(time.Second)}))
	require.NoError(t, j.Record(daemon.VerdictRecord{
		ConnID: 2, MessageID: "3", Kind: "request", Edited: true,
		SendErr: errors.New("connection closed"), DecidedAt: base.Add(2 * time.Second),
	}))

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	all, err := j.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "3", all[0].MessageID)
	assert.True(t, all[0].Edited)
	assert.Equal(t, "connection closed", all[0].SendError)
	assert.Equal(t, "1", all[2].MessageID)

	reqs, err := j.Recent(ctx, Filter{Kind: "request"})
	require.NoError(t, err)
	assert.Len(t, reqs, 2)

	drops, err := j.Recent(ctx, Filter{DroppedOnly: true})
	require.NoError(t, err)
	require.Len(t, drops, 1)
	assert.Equal(t, "2", drops[0].MessageID)

	since, err := j.Recent(ctx, Filter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	limited, err := j.Recent(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordFillsTime(t *testing.T) {
	j := openMemory(t)
	require.NoError(t, j.Record(daemon.VerdictRecord{MessageID: "x"}))
	got, err := j.Recent(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.WithinDuration(t, time.Now(), got[0].DecidedAt, time.Minute)
}

func TestPrune(t *testing.T) {
	j := openMemory(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, j.Record(daemon.VerdictRecord{MessageID: "old", DecidedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, j.Record(daemon.VerdictRecord{MessageID: "new", DecidedAt: now}))

	n, err := j.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	left, err := j.Recent(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].MessageID)
}

func TestOpenFileReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "journal.db")
	j, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, j.Record(daemon.VerdictRecord{MessageID: "kept"}))
	require.NoError(t, j.Close())

	j, err = Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer j.Close()
	n, err := j.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
