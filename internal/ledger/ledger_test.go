package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func TestLedger_AbsentEntryIsNever(t *testing.T) {
	l, err := Open(context.Background(), NewMemoryStore(nil), testclock.NewClock(t0))
	require.NoError(t, err)

	assert.Equal(t, Never, l.Elapsed("daily-docs", "photos"))
	assert.Greater(t, l.ElapsedSeconds("daily-docs", "photos"), int64(86400))
	_, ok := l.LastRun("daily-docs", "photos")
	assert.False(t, ok)
}

func TestLedger_RecordAndElapse(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(t0)
	store := NewMemoryStore(nil)
	l, err := Open(ctx, store, clk)
	require.NoError(t, err)

	require.NoError(t, l.RecordSuccess(ctx, "daily-docs", "photos"))
	assert.Equal(t, 1, store.Saves())
	assert.Equal(t, time.Duration(0), l.Elapsed("daily-docs", "photos"))

	clk.Advance(90 * time.Minute)
	assert.Equal(t, 90*time.Minute, l.Elapsed("daily-docs", "photos"))
	assert.Equal(t, int64(5400), l.ElapsedSeconds("daily-docs", "photos"))

	last, ok := l.LastRun("daily-docs", "photos")
	require.True(t, ok)
	assert.True(t, last.Equal(t0))
	assert.Equal(t, []string{"daily-docs"}, l.Jobs())
}

func TestLedger_FailedSaveRollsBack(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(t0)
	store := NewMemoryStore(Entries{"docs": {"music": t0.Add(-time.Hour)}})
	l, err := Open(ctx, store, clk)
	require.NoError(t, err)

	store.FailSaves(errors.New("disk full"))
	err = l.RecordSuccess(ctx, "docs", "music")
	require.Error(t, err)
	err = l.RecordSuccess(ctx, "docs", "photos")
	require.Error(t, err)

	assert.Equal(t, time.Hour, l.Elapsed("docs", "music"))
	assert.Equal(t, Never, l.Elapsed("docs", "photos"))
}

func TestFileStore_PersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", ".lastrun.json")
	clk := testclock.NewClock(t0)

	l, err := Open(ctx, NewFileStore(path), clk)
	require.NoError(t, err)
	require.NoError(t, l.RecordSuccess(ctx, "docs", "photos"))
	require.NoError(t, l.RecordSuccess(ctx, "docs", "music"))

	clk.Advance(2 * time.Hour)
	reopened, err := Open(ctx, NewFileStore(path), clk)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, reopened.Elapsed("docs", "photos"))
	assert.Equal(t, 2*time.Hour, reopened.Elapsed("docs", "music"))
	assert.Equal(t, Never, reopened.Elapsed("docs", "videos"))
}

func TestFileStore_MissingAndCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	entries, err := NewFileStore(filepath.Join(dir, "missing.json")).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	corrupt := filepath.Join(dir, "corrupt.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0o600))
	_, err = Open(ctx, NewFileStore(corrupt), nil)
	assert.Error(t, err)
}
