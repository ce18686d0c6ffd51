package proc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeineian/xybeat/sys"
)

func initTestStore(t *testing.T) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, sys.InitDatabase(context.Background(), dsn))
	t.Cleanup(func() {
		sys.CloseDatabase()
		sys.DB = nil
	})
}

func TestQueueSnapshot_RoundTrip(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(42)

	songs := []Song{
		{Title: "First", URL: "https://www.youtube.com/watch?v=aaa", Channel: "Ch A", Duration: 3 * time.Minute, RequesterID: snowflake.ID(7), RequesterName: "alex"},
		{Title: "Second", URL: "https://www.youtube.com/watch?v=bbb", Duration: 95 * time.Second},
	}
	saveQueueSnapshot(ctx, guildID, songs)

	got, ok := loadQueueSnapshot(ctx, guildID)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, songs[0].Title, got[0].Title)
	assert.Equal(t, songs[0].URL, got[0].URL)
	assert.Equal(t, songs[0].Duration, got[0].Duration)
	assert.Equal(t, songs[0].RequesterID, got[0].RequesterID)
	assert.Equal(t, songs[0].RequesterName, got[0].RequesterName)
	assert.Equal(t, songs[1].Title, got[1].Title)
}

func TestNowPlayingSnapshot_RoundTrip(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(43)

	song := Song{Title: "Current", URL: "https://www.youtube.com/watch?v=ccc", Duration: 4 * time.Minute}
	saveNowPlaying(ctx, guildID, song, true)

	got, isPlaying, takenAt, ok := loadNowPlaying(ctx, guildID)
	require.True(t, ok)
	assert.True(t, isPlaying)
	assert.Equal(t, song.Title, got.Title)
	assert.Equal(t, song.URL, got.URL)
	assert.WithinDuration(t, time.Now(), takenAt, 5*time.Second)

	saveNowPlaying(ctx, guildID, song, false)
	_, isPlaying, _, ok = loadNowPlaying(ctx, guildID)
	require.True(t, ok)
	assert.False(t, isPlaying, "pause updates the playing flag")
}

func TestDeleteSnapshots_RemovesBoth(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()
	guildID := snowflake.ID(44)

	saveQueueSnapshot(ctx, guildID, []Song{testSong("s1")})
	saveNowPlaying(ctx, guildID, testSong("s1"), true)

	deleteSnapshots(ctx, guildID)

	_, ok := loadQueueSnapshot(ctx, guildID)
	assert.False(t, ok)
	_, _, _, ok = loadNowPlaying(ctx, guildID)
	assert.False(t, ok)
}

func TestPersistence_NoStoreIsNoOp(t *testing.T) {
	// sys.DB deliberately nil here
	ctx := context.Background()
	guildID := snowflake.ID(45)

	saveQueueSnapshot(ctx, guildID, []Song{testSong("s1")})
	saveNowPlaying(ctx, guildID, testSong("s1"), true)
	deleteSnapshots(ctx, guildID)

	_, ok := loadQueueSnapshot(ctx, guildID)
	assert.False(t, ok)
}

func TestResumeFromCrash_NoSnapshot(t *testing.T) {
	initTestStore(t)
	sess, _, _ := newTestSession(cachedFetch)
	defer sess.teardown(context.Background())

	assert.False(t, sess.resumeFromCrash(context.Background()))
}

func TestResumeFromCrash_RestoresQueueAndHead(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()

	sess, _, _ := newTestSession(cachedFetch)
	defer sess.teardown(context.Background())

	// A crash left both snapshots behind: the interrupted song is the head of
	// the persisted queue.
	saveQueueSnapshot(ctx, sess.GuildID, []Song{testSong("s1"), testSong("s2")})
	saveNowPlaying(ctx, sess.GuildID, testSong("s1"), true)

	require.True(t, sess.resumeFromCrash(ctx))

	pending := sess.Pending()
	require.Len(t, pending, 2, "recovery must not duplicate the interrupted song")
	assert.Equal(t, "s1", pending[0].ContentKey())
	assert.Equal(t, "s2", pending[1].ContentKey())
}

func TestResumeFromCrash_MovesMidQueueSongToHead(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()

	sess, _, _ := newTestSession(cachedFetch)
	defer sess.teardown(context.Background())

	sess.mu.Lock()
	sess.queue = []Song{testSong("s1"), testSong("s2"), testSong("s3")}
	sess.mu.Unlock()
	saveNowPlaying(ctx, sess.GuildID, testSong("s2"), true)

	require.True(t, sess.resumeFromCrash(ctx))

	pending := sess.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "s2", pending[0].ContentKey())
	assert.Equal(t, "s1", pending[1].ContentKey())
	assert.Equal(t, "s3", pending[2].ContentKey())
}

func TestResumeFromCrash_PrependsWhenAbsentFromQueue(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()

	sess, _, _ := newTestSession(cachedFetch)
	defer sess.teardown(context.Background())

	sess.mu.Lock()
	sess.queue = []Song{testSong("s1")}
	sess.mu.Unlock()
	saveNowPlaying(ctx, sess.GuildID, testSong("lost"), true)

	require.True(t, sess.resumeFromCrash(ctx))

	pending := sess.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "lost", pending[0].ContentKey())
	assert.Equal(t, "s1", pending[1].ContentKey())
}

func TestResumeFromCrash_DiscardsStaleSnapshot(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()

	sess, _, _ := newTestSession(cachedFetch)
	defer sess.teardown(context.Background())

	// Write a now-playing record whose timestamp predates the recovery window.
	rec := nowPlayingRecord{
		songRecord: toRecord(testSong("old")),
		IsPlaying:  true,
		Timestamp:  time.Now().Add(-time.Hour).UnixMilli(),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, sys.SetSnapshot(ctx, playingKeyPrefix+sess.GuildID.String(), string(data), 2*time.Hour))

	assert.False(t, sess.resumeFromCrash(ctx), "stale snapshots are discarded, not replayed")

	_, _, _, ok := loadNowPlaying(ctx, sess.GuildID)
	assert.False(t, ok, "the stale snapshot is deleted on discard")
}

func TestResumeFromCrash_RecentSnapshotWithinWindow(t *testing.T) {
	initTestStore(t)
	ctx := context.Background()

	sess, _, _ := newTestSession(cachedFetch)
	defer sess.teardown(context.Background())

	// Ten minutes old: still within the default window.
	rec := nowPlayingRecord{
		songRecord: toRecord(testSong("recent")),
		IsPlaying:  true,
		Timestamp:  time.Now().Add(-10 * time.Minute).UnixMilli(),
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, sys.SetSnapshot(ctx, playingKeyPrefix+sess.GuildID.String(), string(data), time.Hour))

	require.True(t, sess.resumeFromCrash(ctx))
	pending := sess.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "recent", pending[0].ContentKey())
}
