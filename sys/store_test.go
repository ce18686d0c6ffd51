package sys

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestDB(t *testing.T) {
	t.Helper()
	require.NoError(t, InitDatabase(context.Background(), filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() {
		CloseDatabase()
		DB = nil
	})
}

func TestSnapshot_SetGetRoundTrip(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, SetSnapshot(ctx, "queue:1", `[{"title":"x"}]`, time.Hour))

	val, ok, err := GetSnapshot(ctx, "queue:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"title":"x"}]`, val)
}

func TestSnapshot_OverwriteResetsValueAndTTL(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, SetSnapshot(ctx, "k", "v1", time.Hour))
	require.NoError(t, SetSnapshot(ctx, "k", "v2", time.Hour))

	val, ok, err := GetSnapshot(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", val)
}

func TestSnapshot_ExpiredIsInvisibleAndLazilyDeleted(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, SetSnapshot(ctx, "gone", "v", -time.Second))

	_, ok, err := GetSnapshot(ctx, "gone")
	require.NoError(t, err)
	assert.False(t, ok)

	// The read deleted the row, so a sweep has nothing left to do.
	n, err := SweepExpiredSnapshots(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSnapshot_MissingKey(t *testing.T) {
	initTestDB(t)

	_, ok, err := GetSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteSnapshot_Idempotent(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, SetSnapshot(ctx, "k", "v", time.Hour))
	require.NoError(t, DeleteSnapshot(ctx, "k"))
	require.NoError(t, DeleteSnapshot(ctx, "k"), "deleting a missing key is not an error")

	_, ok, err := GetSnapshot(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepExpiredSnapshots_KeepsLiveRows(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	require.NoError(t, SetSnapshot(ctx, "live", "v", time.Hour))
	require.NoError(t, SetSnapshot(ctx, "dead1", "v", -time.Minute))
	require.NoError(t, SetSnapshot(ctx, "dead2", "v", -time.Minute))

	n, err := SweepExpiredSnapshots(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, ok, err := GetSnapshot(ctx, "live")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBotConfig_RoundTrip(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()

	val, err := GetBotConfig(ctx, "last_cmd_hash")
	require.NoError(t, err)
	assert.Empty(t, val, "missing keys read as empty")

	require.NoError(t, SetBotConfig(ctx, "last_cmd_hash", "abc123"))
	require.NoError(t, SetBotConfig(ctx, "last_cmd_hash", "def456"))

	val, err = GetBotConfig(ctx, "last_cmd_hash")
	require.NoError(t, err)
	assert.Equal(t, "def456", val)
}
