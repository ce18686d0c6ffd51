package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildA = snowflake.ID(100)
	testGuildB = snowflake.ID(200)
)

func testSong(id string) Song {
	return Song{
		Title: "Song " + id,
		URL:   "https://www.youtube.com/watch?v=" + id,
	}
}

// blockingFetch parks every fetch call until release is closed, so tests can
// observe jobs while they are in flight.
type blockingFetch struct {
	mu      sync.Mutex
	calls   []string
	release chan struct{}
	err     error
}

func newBlockingFetch() *blockingFetch {
	return &blockingFetch{release: make(chan struct{})}
}

func (b *blockingFetch) fetch(ctx context.Context, url string, onProgress func(float64)) (string, error) {
	b.mu.Lock()
	b.calls = append(b.calls, url)
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "/tmp/fake.mp3", b.err
}

func (b *blockingFetch) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func neverCached(string) bool { return false }

func newTestSystem(fetch *blockingFetch) *DownloadSystem {
	return newDownloadSystem(5, 2, 3, 2*time.Second, 5*time.Second, fetch.fetch, neverCached)
}

func TestAddJobs_SkipsCachedAndDuplicates(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newDownloadSystem(5, 2, 3, 2*time.Second, 5*time.Second, fetch.fetch, func(key string) bool {
		return key == "cached1"
	})

	added := ds.AddJobs(testGuildA, []Song{testSong("cached1"), testSong("fresh1")}, BulkPriority)
	assert.Equal(t, 1, added, "cached song should be skipped")

	// Same guild, same key: silent dedup
	added = ds.AddJobs(testGuildA, []Song{testSong("fresh1")}, BulkPriority)
	assert.Equal(t, 0, added)

	// Song with no content key is dropped
	added = ds.AddJobs(testGuildA, []Song{{Title: "nokey", URL: "https://example.com/x"}}, BulkPriority)
	assert.Equal(t, 0, added)
}

func TestAddJobs_SkipsGloballyActiveKey(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	ds.AddJobs(testGuildA, []Song{testSong("shared")}, BulkPriority)
	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Another guild asking for the same key while it downloads: skipped, the
	// result lands in the shared cache anyway.
	added := ds.AddJobs(testGuildB, []Song{testSong("shared")}, BulkPriority)
	assert.Equal(t, 0, added)

	close(fetch.release)
}

func TestTickOnce_OneFetchPerContentKey(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	// The same key may sit pending for two guilds at once; neither is in
	// flight yet so both enqueues are accepted.
	require.Equal(t, 1, ds.AddJobs(testGuildA, []Song{testSong("dup")}, BulkPriority))
	require.Equal(t, 1, ds.AddJobs(testGuildB, []Song{testSong("dup")}, BulkPriority))

	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Guild B's job must wait out guild A's in-flight fetch.
	ds.tickOnce(context.Background(), time.Now())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetch.callCount(), "at most one in-flight fetch per content key")

	stats := ds.GetStats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.QueueDepth, "the duplicate stays pending")
	assert.Equal(t, 1, stats.PerGuildActive[testGuildA])
	assert.Zero(t, stats.PerGuildActive[testGuildB])

	close(fetch.release)
}

func TestAddJobs_KeepsStatusOwnedByFirstGuild(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	ds.AddJobs(testGuildA, []Song{testSong("dup")}, BulkPriority)
	ds.AddJobs(testGuildB, []Song{testSong("dup")}, BulkPriority)

	st, ok := ds.GetStatus("dup")
	require.True(t, ok)
	assert.Equal(t, testGuildA, st.GuildID, "a later enqueue must not overwrite the live status record")

	close(fetch.release)
}

func TestTickOnce_AdmitsOneJobPerTick(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	ds.AddJobs(testGuildA, []Song{testSong("a1"), testSong("a2")}, BulkPriority)
	ds.AddJobs(testGuildB, []Song{testSong("b1")}, BulkPriority)

	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, ds.GetStats().Active)

	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, ds.GetStats().Active)

	close(fetch.release)
}

func TestTickOnce_OrdersByPriorityThenAge(t *testing.T) {
	fetch := newBlockingFetch()
	close(fetch.release)
	ds := newTestSystem(fetch)

	// Bulk job enqueued first, high-priority job second: priority wins.
	ds.AddJobs(testGuildA, []Song{testSong("bulk1")}, BulkPriority)
	ds.AddHighPriority(testGuildA, testSong("urgent1"))

	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() >= 1 }, 2*time.Second, 10*time.Millisecond)

	fetch.mu.Lock()
	first := fetch.calls[0]
	fetch.mu.Unlock()
	assert.Contains(t, first, "urgent1")
}

func TestTickOnce_EnforcesPerGuildCap(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newDownloadSystem(5, 1, 3, 2*time.Second, 5*time.Second, fetch.fetch, neverCached)

	ds.AddJobs(testGuildA, []Song{testSong("a1"), testSong("a2")}, BulkPriority)
	ds.AddJobs(testGuildB, []Song{testSong("b1")}, BulkPriority)

	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Guild A is at its cap, so the next admission must come from guild B.
	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	fetch.mu.Lock()
	second := fetch.calls[1]
	fetch.mu.Unlock()
	assert.Contains(t, second, "b1")

	close(fetch.release)
}

func TestTickOnce_EnforcesGlobalCap(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newDownloadSystem(1, 1, 3, 2*time.Second, 5*time.Second, fetch.fetch, neverCached)

	ds.AddJobs(testGuildA, []Song{testSong("a1")}, BulkPriority)
	ds.AddJobs(testGuildB, []Song{testSong("b1")}, BulkPriority)

	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ds.tickOnce(context.Background(), time.Now())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, fetch.callCount(), "global cap must hold the second job back")

	close(fetch.release)
}

func TestComplete_TransientRetryBackoff(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	now := time.Now()
	job := &downloadJob{guildID: testGuildA, song: testSong("flaky"), contentKey: "flaky", priority: BulkPriority, enqueuedAt: now}
	ds.mu.Lock()
	ds.active[job.contentKey] = job
	ds.activePerGuild[testGuildA] = 1
	ds.status[job.contentKey] = &DownloadStatus{ContentKey: job.contentKey, State: StatusDownloading}
	ds.mu.Unlock()

	transient := errors.New("network timeout")
	ds.complete(job, transient, now)

	ds.mu.Lock()
	require.Len(t, ds.pending, 1)
	requeued := ds.pending[0]
	ds.mu.Unlock()

	assert.Equal(t, 1, requeued.retryCount)
	assert.Equal(t, now.Add(2*time.Second), requeued.notBefore, "first retry waits base*2^0")
	assert.Equal(t, BulkPriority-10, requeued.priority, "retries get a priority boost")

	st, ok := ds.GetStatus("flaky")
	require.True(t, ok)
	assert.Equal(t, StatusPending, st.State)
	assert.Equal(t, 0, ds.GetStats().Active)

	// Second failure doubles the delay.
	ds.mu.Lock()
	ds.pending = nil
	ds.active[job.contentKey] = job
	ds.activePerGuild[testGuildA] = 1
	ds.mu.Unlock()
	ds.complete(job, transient, now)

	ds.mu.Lock()
	require.Len(t, ds.pending, 1)
	assert.Equal(t, now.Add(4*time.Second), ds.pending[0].notBefore, "second retry waits base*2^1")
	ds.mu.Unlock()
}

func TestComplete_PriorityBoostNeverPassesHighPriority(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	now := time.Now()
	job := &downloadJob{guildID: testGuildA, song: testSong("x"), contentKey: "x", priority: 5, enqueuedAt: now}
	ds.mu.Lock()
	ds.active[job.contentKey] = job
	ds.activePerGuild[testGuildA] = 1
	ds.mu.Unlock()

	ds.complete(job, errors.New("transient"), now)

	ds.mu.Lock()
	require.Len(t, ds.pending, 1)
	assert.Equal(t, highPriority, ds.pending[0].priority)
	ds.mu.Unlock()
}

func TestComplete_PermanentErrorNeverRetries(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	now := time.Now()
	job := &downloadJob{guildID: testGuildA, song: testSong("gone"), contentKey: "gone", priority: BulkPriority, enqueuedAt: now}
	ds.mu.Lock()
	ds.active[job.contentKey] = job
	ds.activePerGuild[testGuildA] = 1
	ds.status[job.contentKey] = &DownloadStatus{ContentKey: job.contentKey, State: StatusDownloading}
	ds.mu.Unlock()

	ds.complete(job, fmt.Errorf("%w: removed", ErrUnavailable), now)

	ds.mu.Lock()
	assert.Empty(t, ds.pending, "permanent failures must not re-enqueue")
	ds.mu.Unlock()

	st, ok := ds.GetStatus("gone")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, st.State)
	assert.Equal(t, now.Add(failedPurgeDelay), st.purgeAt)
}

func TestComplete_TransientExhaustsRetries(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newDownloadSystem(5, 2, 2, 2*time.Second, 5*time.Second, fetch.fetch, neverCached)

	now := time.Now()
	job := &downloadJob{guildID: testGuildA, song: testSong("doomed"), contentKey: "doomed", priority: BulkPriority, retryCount: 2, enqueuedAt: now}
	ds.mu.Lock()
	ds.active[job.contentKey] = job
	ds.activePerGuild[testGuildA] = 1
	ds.status[job.contentKey] = &DownloadStatus{ContentKey: job.contentKey, State: StatusDownloading}
	ds.mu.Unlock()

	ds.complete(job, errors.New("still flaky"), now)

	ds.mu.Lock()
	assert.Empty(t, ds.pending)
	ds.mu.Unlock()

	st, ok := ds.GetStatus("doomed")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, st.State)
}

func TestComplete_SuccessSchedulesPurge(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	now := time.Now()
	job := &downloadJob{guildID: testGuildA, song: testSong("ok"), contentKey: "ok", priority: BulkPriority, enqueuedAt: now}
	ds.mu.Lock()
	ds.active[job.contentKey] = job
	ds.activePerGuild[testGuildA] = 1
	ds.status[job.contentKey] = &DownloadStatus{ContentKey: job.contentKey, State: StatusDownloading}
	ds.mu.Unlock()

	ds.complete(job, nil, now)

	st, ok := ds.GetStatus("ok")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, st.State)
	assert.Equal(t, float64(100), st.Progress)

	// Status survives until the purge delay elapses, then a tick removes it.
	ds.tickOnce(context.Background(), now.Add(completedPurgeDelay-time.Second))
	_, ok = ds.GetStatus("ok")
	assert.True(t, ok)

	ds.tickOnce(context.Background(), now.Add(completedPurgeDelay+time.Second))
	_, ok = ds.GetStatus("ok")
	assert.False(t, ok)
}

func TestTickOnce_HonorsRetryNotBefore(t *testing.T) {
	fetch := newBlockingFetch()
	close(fetch.release)
	ds := newTestSystem(fetch)

	now := time.Now()
	ds.mu.Lock()
	ds.pending = append(ds.pending, &downloadJob{
		guildID:    testGuildA,
		song:       testSong("waiting"),
		contentKey: "waiting",
		priority:   BulkPriority,
		retryCount: 1,
		enqueuedAt: now,
		notBefore:  now.Add(time.Minute),
	})
	ds.mu.Unlock()

	ds.tickOnce(context.Background(), now.Add(30*time.Second))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fetch.callCount(), "job must wait out its backoff")

	ds.tickOnce(context.Background(), now.Add(2*time.Minute))
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestClearSessionJobs_KeepsInFlightAndOtherGuilds(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	ds.AddJobs(testGuildA, []Song{testSong("a1"), testSong("a2")}, BulkPriority)
	ds.AddJobs(testGuildB, []Song{testSong("b1")}, BulkPriority)

	// Admit one job from guild A so it is in flight.
	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	removed := ds.ClearSessionJobs(testGuildA)
	assert.Equal(t, 1, removed, "only the unadmitted guild A job is dropped")

	stats := ds.GetStats()
	assert.Equal(t, 1, stats.Active, "in-flight job keeps running")
	assert.Equal(t, 1, stats.QueueDepth, "guild B job untouched")

	close(fetch.release)
}

func TestClearSessionJobs_KeepsStatusClaimedElsewhere(t *testing.T) {
	fetch := newBlockingFetch()
	ds := newTestSystem(fetch)

	ds.AddJobs(testGuildA, []Song{testSong("dup")}, BulkPriority)
	ds.AddJobs(testGuildB, []Song{testSong("dup")}, BulkPriority)

	// Guild A enqueued first, so its job is the one admitted.
	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	removed := ds.ClearSessionJobs(testGuildB)
	assert.Equal(t, 1, removed)

	st, ok := ds.GetStatus("dup")
	require.True(t, ok, "status of the in-flight fetch survives another guild's clear")
	assert.Equal(t, StatusDownloading, st.State)

	close(fetch.release)
}

func TestComplete_ClearedSessionDropsRetry(t *testing.T) {
	fetch := newBlockingFetch()
	fetch.err = errors.New("network timeout")
	ds := newTestSystem(fetch)

	ds.AddJobs(testGuildA, []Song{testSong("flaky")}, BulkPriority)
	ds.tickOnce(context.Background(), time.Now())
	require.Eventually(t, func() bool { return fetch.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The guild clears its jobs while the fetch is in flight; the transient
	// failure afterwards must not re-enqueue the job.
	ds.ClearSessionJobs(testGuildA)
	close(fetch.release)

	require.Eventually(t, func() bool { return ds.GetStats().Active == 0 }, 2*time.Second, 10*time.Millisecond)

	ds.mu.Lock()
	pending := len(ds.pending)
	ds.mu.Unlock()
	assert.Zero(t, pending, "a cleared session's work stays cancelled")

	st, ok := ds.GetStatus("flaky")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, st.State)
}
