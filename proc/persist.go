package proc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/xybeat/sys"
)

// ===========================
// Snapshot Shapes
// ===========================

const (
	queueKeyPrefix   = "queue:"
	playingKeyPrefix = "playing:"
)

type songRecord struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Channel       string  `json:"channel,omitempty"`
	Duration      float64 `json:"duration"`
	Thumbnail     string  `json:"thumbnail,omitempty"`
	RequesterID   string  `json:"requesterId"`
	RequesterName string  `json:"requesterDisplayName"`
}

type nowPlayingRecord struct {
	songRecord
	IsPlaying bool  `json:"isPlaying"`
	Timestamp int64 `json:"timestamp"`
}

func toRecord(s Song) songRecord {
	return songRecord{
		Title:         s.Title,
		URL:           s.URL,
		Channel:       s.Channel,
		Duration:      s.Duration.Seconds(),
		Thumbnail:     s.Thumbnail,
		RequesterID:   s.RequesterID.String(),
		RequesterName: s.RequesterName,
	}
}

func fromRecord(r songRecord) Song {
	id, _ := snowflake.Parse(r.RequesterID)
	return Song{
		Title:         r.Title,
		URL:           r.URL,
		Channel:       r.Channel,
		Duration:      time.Duration(r.Duration * float64(time.Second)),
		Thumbnail:     r.Thumbnail,
		RequesterID:   id,
		RequesterName: r.RequesterName,
	}
}

// ===========================
// Persistence Gateway
// ===========================

// Snapshot persistence degrades to a logged no-op when the store is down:
// crash recovery is simply unavailable until it returns, playback continues.

func queueTTL() time.Duration {
	if sys.GlobalConfig != nil {
		return sys.GlobalConfig.QueueTTL
	}
	return time.Hour
}

func nowPlayingTTL() time.Duration {
	if sys.GlobalConfig != nil {
		return sys.GlobalConfig.NowPlayingTTL
	}
	return 30 * time.Minute
}

func recoveryWindow() time.Duration {
	if sys.GlobalConfig != nil {
		return sys.GlobalConfig.RecoveryWindow
	}
	return 30 * time.Minute
}

func saveQueueSnapshot(ctx context.Context, guildID snowflake.ID, songs []Song) {
	if sys.DB == nil {
		return
	}
	records := make([]songRecord, 0, len(songs))
	for _, s := range songs {
		records = append(records, toRecord(s))
	}
	data, err := json.Marshal(records)
	if err != nil {
		sys.LogStore(sys.MsgStoreSetFail, queueKeyPrefix+guildID.String(), err)
		return
	}
	if err := sys.SetSnapshot(ctx, queueKeyPrefix+guildID.String(), string(data), queueTTL()); err != nil {
		sys.LogStore(sys.MsgStoreSetFail, queueKeyPrefix+guildID.String(), err)
	}
}

func saveNowPlaying(ctx context.Context, guildID snowflake.ID, song Song, isPlaying bool) {
	if sys.DB == nil {
		return
	}
	rec := nowPlayingRecord{
		songRecord: toRecord(song),
		IsPlaying:  isPlaying,
		Timestamp:  time.Now().UnixMilli(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		sys.LogStore(sys.MsgStoreSetFail, playingKeyPrefix+guildID.String(), err)
		return
	}
	if err := sys.SetSnapshot(ctx, playingKeyPrefix+guildID.String(), string(data), nowPlayingTTL()); err != nil {
		sys.LogStore(sys.MsgStoreSetFail, playingKeyPrefix+guildID.String(), err)
	}
}

func loadQueueSnapshot(ctx context.Context, guildID snowflake.ID) ([]Song, bool) {
	if sys.DB == nil {
		return nil, false
	}
	raw, ok, err := sys.GetSnapshot(ctx, queueKeyPrefix+guildID.String())
	if err != nil {
		sys.LogStore(sys.MsgStoreGetFail, queueKeyPrefix+guildID.String(), err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var records []songRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return nil, false
	}
	songs := make([]Song, 0, len(records))
	for _, r := range records {
		songs = append(songs, fromRecord(r))
	}
	return songs, true
}

func loadNowPlaying(ctx context.Context, guildID snowflake.ID) (Song, bool, time.Time, bool) {
	if sys.DB == nil {
		return Song{}, false, time.Time{}, false
	}
	raw, ok, err := sys.GetSnapshot(ctx, playingKeyPrefix+guildID.String())
	if err != nil {
		sys.LogStore(sys.MsgStoreGetFail, playingKeyPrefix+guildID.String(), err)
		return Song{}, false, time.Time{}, false
	}
	if !ok {
		return Song{}, false, time.Time{}, false
	}
	var rec nowPlayingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Song{}, false, time.Time{}, false
	}
	return fromRecord(rec.songRecord), rec.IsPlaying, time.UnixMilli(rec.Timestamp), true
}

func deleteNowPlayingSnapshot(ctx context.Context, guildID snowflake.ID) {
	if sys.DB == nil {
		return
	}
	if err := sys.DeleteSnapshot(ctx, playingKeyPrefix+guildID.String()); err != nil {
		sys.LogStore(sys.MsgStoreDeleteFail, playingKeyPrefix+guildID.String(), err)
	}
}

func deleteSnapshots(ctx context.Context, guildID snowflake.ID) {
	if sys.DB == nil {
		return
	}
	for _, key := range []string{queueKeyPrefix + guildID.String(), playingKeyPrefix + guildID.String()} {
		if err := sys.DeleteSnapshot(ctx, key); err != nil {
			sys.LogStore(sys.MsgStoreDeleteFail, key, err)
		}
	}
}

// ===========================
// Crash Recovery
// ===========================

// resumeFromCrash restores the interrupted song for a session from its
// now-playing snapshot. It mutates only the session's queue: the snapshotted
// song ends up at the queue head so the caller's playNext starts with it.
// Returns true when recovery applies.
//
// Snapshots older than the recovery window are discarded as stale.
func (s *MusicSession) resumeFromCrash(ctx context.Context) bool {
	song, _, takenAt, ok := loadNowPlaying(ctx, s.GuildID)
	if !ok {
		return false
	}
	if time.Since(takenAt) > recoveryWindow() {
		sys.LogStore("Discarding stale now-playing snapshot for guild %s (age %s)", s.GuildID, time.Since(takenAt).Round(time.Second))
		deleteNowPlayingSnapshot(ctx, s.GuildID)
		return false
	}

	key := song.ContentKey()

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		if saved, ok := loadQueueSnapshot(ctx, s.GuildID); ok {
			s.queue = saved
		}
	}

	idx := -1
	for i, queued := range s.queue {
		if queued.ContentKey() == key {
			idx = i
			break
		}
	}
	switch {
	case idx == 0:
		// Already at the head, nothing to move.
	case idx > 0:
		s.queue = append([]Song{s.queue[idx]}, append(append([]Song{}, s.queue[:idx]...), s.queue[idx+1:]...)...)
	default:
		s.queue = append([]Song{song}, s.queue...)
	}

	sys.LogStore("Recovered interrupted song for guild %s: %s", s.GuildID, song.Title)
	return true
}
