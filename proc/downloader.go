package proc

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/xybeat/sys"
)

// ===========================
// Daemon Registration
// ===========================

func init() {
	sys.RegisterDaemon(sys.LogDownloader, func(ctx context.Context) (bool, func(), func()) {
		dm := GetDownloadManager()
		return true, func() { dm.run(ctx) }, func() { dm.stop() }
	})
}

// ===========================
// Job & Status Types
// ===========================

type DownloadState string

const (
	StatusPending     DownloadState = "pending"
	StatusDownloading DownloadState = "downloading"
	StatusCompleted   DownloadState = "completed"
	StatusFailed      DownloadState = "failed"
)

const (
	completedPurgeDelay = 30 * time.Second
	failedPurgeDelay    = 60 * time.Second

	// Priority of a head-of-queue prefetch requested by a session.
	highPriority = 1
	// Base priority for bulk playlist admissions.
	BulkPriority = 100
)

type downloadJob struct {
	guildID    snowflake.ID
	song       Song
	contentKey string
	priority   int
	retryCount int
	enqueuedAt time.Time
	notBefore  time.Time
	cancelled  bool
}

// DownloadStatus is the externally visible progress record for one content
// key. Purged a grace period after completion or permanent failure.
type DownloadStatus struct {
	ContentKey  string
	GuildID     snowflake.ID
	Title       string
	State       DownloadState
	Progress    float64
	Err         error
	StartedAt   time.Time
	CompletedAt time.Time
	purgeAt     time.Time
}

type DownloadStats struct {
	QueueDepth     int
	Active         int
	PerGuildActive map[snowflake.ID]int
}

// ===========================
// Download System
// ===========================

// DownloadSystem is the background fetch scheduler: a ticking admission loop
// over a priority-ordered pending queue, bounded by global and per-guild
// concurrency caps, with exponential-backoff retry for transient failures.
type DownloadSystem struct {
	mu             sync.Mutex
	pending        []*downloadJob
	active         map[string]*downloadJob
	activePerGuild map[snowflake.ID]int
	status         map[string]*DownloadStatus

	maxGlobal   int
	maxPerGuild int
	maxRetries  int
	retryBase   time.Duration
	tick        time.Duration

	fetch  func(ctx context.Context, url string, onProgress func(float64)) (string, error)
	cached func(contentKey string) bool

	stopOnce sync.Once
	stopCh   chan struct{}
}

var (
	downloadManager *DownloadSystem
	downloadOnce    sync.Once
)

// GetDownloadManager returns the singleton DownloadSystem.
func GetDownloadManager() *DownloadSystem {
	downloadOnce.Do(func() {
		r := GetResolver()
		cfg := sys.GlobalConfig
		maxGlobal, maxPerGuild, maxRetries := 5, 2, 3
		retryBase, tick := 2*time.Second, 5*time.Second
		if cfg != nil {
			maxGlobal, maxPerGuild, maxRetries = cfg.MaxConcurrentGlobal, cfg.MaxConcurrentPerGuild, cfg.MaxRetries
			retryBase, tick = cfg.RetryDelayBase, cfg.DownloadTick
		}
		downloadManager = newDownloadSystem(maxGlobal, maxPerGuild, maxRetries, retryBase, tick,
			r.Fetch,
			func(key string) bool { _, ok := r.CachedPath(key); return ok },
		)
	})
	return downloadManager
}

func newDownloadSystem(maxGlobal, maxPerGuild, maxRetries int, retryBase, tick time.Duration,
	fetch func(ctx context.Context, url string, onProgress func(float64)) (string, error),
	cached func(contentKey string) bool,
) *DownloadSystem {
	return &DownloadSystem{
		active:         make(map[string]*downloadJob),
		activePerGuild: make(map[snowflake.ID]int),
		status:         make(map[string]*DownloadStatus),
		maxGlobal:      maxGlobal,
		maxPerGuild:    maxPerGuild,
		maxRetries:     maxRetries,
		retryBase:      retryBase,
		tick:           tick,
		fetch:          fetch,
		cached:         cached,
		stopCh:         make(chan struct{}),
	}
}

func (ds *DownloadSystem) run(ctx context.Context) {
	ticker := time.NewTicker(ds.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ds.stopCh:
			return
		case <-ticker.C:
			ds.tickOnce(ctx, time.Now())
		}
	}
}

func (ds *DownloadSystem) stop() {
	ds.stopOnce.Do(func() { close(ds.stopCh) })
}

// ===========================
// Enqueue & Introspection
// ===========================

// AddJobs enqueues one job per song at priority basePriority+index, so
// earlier songs in a batch are fetched first. Songs already cached, already
// pending for this guild, or already downloading anywhere are silently
// skipped. Returns the number of jobs actually scheduled.
func (ds *DownloadSystem) AddJobs(guildID snowflake.ID, songs []Song, basePriority int) int {
	now := time.Now()
	ds.mu.Lock()
	defer ds.mu.Unlock()

	added := 0
	for i, song := range songs {
		key := song.ContentKey()
		if key == "" || ds.cached(key) {
			continue
		}
		if _, inFlight := ds.active[key]; inFlight {
			continue
		}
		if ds.pendingForGuild(guildID, key) {
			continue
		}
		ds.pending = append(ds.pending, &downloadJob{
			guildID:    guildID,
			song:       song,
			contentKey: key,
			priority:   basePriority + i,
			enqueuedAt: now,
		})
		// Status records are keyed by content key and may already be owned by
		// another guild's pending job for the same key. Only terminal records
		// awaiting purge are replaced.
		if st, exists := ds.status[key]; !exists || st.State == StatusCompleted || st.State == StatusFailed {
			ds.status[key] = &DownloadStatus{
				ContentKey: key,
				GuildID:    guildID,
				Title:      song.Title,
				State:      StatusPending,
			}
		}
		added++
	}
	return added
}

// AddHighPriority schedules a single song ahead of all bulk jobs. Used by
// sessions to prefetch the next queued song while one is playing.
func (ds *DownloadSystem) AddHighPriority(guildID snowflake.ID, song Song) bool {
	return ds.AddJobs(guildID, []Song{song}, highPriority) > 0
}

// ClearSessionJobs drops every pending job for a guild and marks its in-flight
// jobs cancelled, so a later transient failure is not re-enqueued. Admitted
// fetches keep running; their results land in the shared cache.
func (ds *DownloadSystem) ClearSessionJobs(guildID snowflake.ID) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	// A status record survives when another guild still has a claim on the
	// key, in flight or pending.
	claimed := make(map[string]bool, len(ds.active))
	for key := range ds.active {
		claimed[key] = true
	}
	for _, job := range ds.pending {
		if job.guildID != guildID {
			claimed[job.contentKey] = true
		}
	}

	kept := ds.pending[:0]
	removed := 0
	for _, job := range ds.pending {
		if job.guildID == guildID {
			if !claimed[job.contentKey] {
				delete(ds.status, job.contentKey)
			}
			removed++
			continue
		}
		kept = append(kept, job)
	}
	ds.pending = kept

	for _, job := range ds.active {
		if job.guildID == guildID {
			job.cancelled = true
		}
	}
	return removed
}

func (ds *DownloadSystem) GetStatus(contentKey string) (DownloadStatus, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	st, ok := ds.status[contentKey]
	if !ok {
		return DownloadStatus{}, false
	}
	return *st, true
}

func (ds *DownloadSystem) GetStats() DownloadStats {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	per := make(map[snowflake.ID]int, len(ds.activePerGuild))
	for id, n := range ds.activePerGuild {
		per[id] = n
	}
	return DownloadStats{
		QueueDepth:     len(ds.pending),
		Active:         len(ds.active),
		PerGuildActive: per,
	}
}

func (ds *DownloadSystem) pendingForGuild(guildID snowflake.ID, contentKey string) bool {
	for _, job := range ds.pending {
		if job.guildID == guildID && job.contentKey == contentKey {
			return true
		}
	}
	return false
}

// ===========================
// Admission Loop
// ===========================

// tickOnce runs one admission pass: purge stale statuses, then admit at most
// one eligible job. Bounded admission keeps the scheduler deterministic.
func (ds *DownloadSystem) tickOnce(ctx context.Context, now time.Time) {
	ds.mu.Lock()

	for key, st := range ds.status {
		if !st.purgeAt.IsZero() && now.After(st.purgeAt) {
			delete(ds.status, key)
		}
	}

	if len(ds.active) >= ds.maxGlobal {
		ds.mu.Unlock()
		return
	}

	sort.SliceStable(ds.pending, func(i, j int) bool {
		if ds.pending[i].priority != ds.pending[j].priority {
			return ds.pending[i].priority < ds.pending[j].priority
		}
		return ds.pending[i].enqueuedAt.Before(ds.pending[j].enqueuedAt)
	})

	var admitted *downloadJob
	for i, job := range ds.pending {
		if now.Before(job.notBefore) {
			continue
		}
		// The same key can sit pending for two guilds at once, but at most
		// one fetch per key may be in flight. The loser stays pending and
		// becomes a cache hit once the winner finishes.
		if _, inFlight := ds.active[job.contentKey]; inFlight {
			continue
		}
		if ds.activePerGuild[job.guildID] >= ds.maxPerGuild {
			continue
		}
		admitted = job
		ds.pending = append(ds.pending[:i], ds.pending[i+1:]...)
		break
	}
	if admitted == nil {
		ds.mu.Unlock()
		return
	}

	ds.active[admitted.contentKey] = admitted
	ds.activePerGuild[admitted.guildID]++
	if st, ok := ds.status[admitted.contentKey]; ok {
		st.State = StatusDownloading
		st.StartedAt = now
		st.Progress = 0
	}
	ds.mu.Unlock()

	sys.LogDownloader("Fetching %s (guild %s, priority %d, attempt %d)",
		admitted.contentKey, admitted.guildID, admitted.priority, admitted.retryCount+1)
	sys.SafeGo(func() { ds.runJob(ctx, admitted) })
}

func (ds *DownloadSystem) runJob(ctx context.Context, job *downloadJob) {
	_, err := ds.fetch(ctx, job.song.URL, func(pct float64) {
		ds.mu.Lock()
		if st, ok := ds.status[job.contentKey]; ok {
			st.Progress = pct
		}
		ds.mu.Unlock()
	})
	ds.complete(job, err, time.Now())
}

func (ds *DownloadSystem) complete(job *downloadJob, err error, now time.Time) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	delete(ds.active, job.contentKey)
	ds.activePerGuild[job.guildID]--
	if ds.activePerGuild[job.guildID] <= 0 {
		delete(ds.activePerGuild, job.guildID)
	}

	st, hasStatus := ds.status[job.contentKey]

	if err == nil {
		if hasStatus {
			st.State = StatusCompleted
			st.Progress = 100
			st.CompletedAt = now
			st.purgeAt = now.Add(completedPurgeDelay)
		}
		return
	}

	retryable := !IsPermanentFetchError(err)
	if retryable && job.cancelled {
		if hasStatus {
			st.State = StatusFailed
			st.Err = err
			st.CompletedAt = now
			st.purgeAt = now.Add(failedPurgeDelay)
		}
		sys.LogDownloader("Dropping retry for %s, session cleared: %v", job.contentKey, err)
		return
	}
	if retryable && job.retryCount < ds.maxRetries {
		job.retryCount++
		delay := ds.retryBase << (job.retryCount - 1)
		job.notBefore = now.Add(delay)
		if boosted := job.priority - 10; boosted > highPriority {
			job.priority = boosted
		} else {
			job.priority = highPriority
		}
		ds.pending = append(ds.pending, job)
		if hasStatus {
			st.State = StatusPending
			st.Err = err
		}
		sys.LogDownloader("Retrying %s in %s (attempt %d/%d): %v",
			job.contentKey, delay, job.retryCount, ds.maxRetries, err)
		return
	}

	if hasStatus {
		st.State = StatusFailed
		st.Err = err
		st.CompletedAt = now
		st.purgeAt = now.Add(failedPurgeDelay)
	}
	sys.LogDownloader("Fetch failed permanently for %s: %v", job.contentKey, err)
}
