package proc

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/xybeat/sys"
)

// ===========================
// Session States
// ===========================

type SessionState int

const (
	StateIdle SessionState = iota
	StateDownloading
	StatePlaying
	StatePaused
)

func (s SessionState) String() string {
	switch s {
	case StateDownloading:
		return "Downloading"
	case StatePlaying:
		return "Playing"
	case StatePaused:
		return "Paused"
	default:
		return "Idle"
	}
}

// voiceSink is the playback transport a session drives. The production
// implementation is VoiceTransport; tests substitute a fake.
type voiceSink interface {
	Join(ctx context.Context, channelID snowflake.ID) error
	PlayFile(ctx context.Context, path string) error
	SetPaused(paused bool)
	StopCurrent()
	Close(ctx context.Context)
}

// ===========================
// Music Manager
// ===========================

// MusicSystem is the session registry: single source of truth for which
// guilds have an active playback session.
type MusicSystem struct {
	mu       sync.Mutex
	sessions map[snowflake.ID]*MusicSession
}

var (
	MusicManager *MusicSystem
	OnceMusic    sync.Once
)

func GetMusicManager() *MusicSystem {
	OnceMusic.Do(func() {
		MusicManager = &MusicSystem{sessions: make(map[snowflake.ID]*MusicSession)}
	})
	return MusicManager
}

func (ms *MusicSystem) GetSession(guildID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sessions[guildID]
}

// Prepare creates or retrieves the session for a guild, updating its channel
// bindings on every call.
func (ms *MusicSystem) Prepare(client *bot.Client, guildID, channelID, textChannelID snowflake.ID) *MusicSession {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if sess, ok := ms.sessions[guildID]; ok {
		sess.mu.Lock()
		sess.ChannelID = channelID
		sess.TextChannelID = textChannelID
		sess.mu.Unlock()
		return sess
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &MusicSession{
		GuildID:       guildID,
		ChannelID:     channelID,
		TextChannelID: textChannelID,
		client:        client,
		cancelCtx:     ctx,
		cancelFunc:    cancel,
		fetch:         GetResolver().Fetch,
	}
	sess.voice = newVoiceTransport(client, guildID)
	ms.sessions[guildID] = sess
	return sess
}

// Join connects a session's voice transport to a channel, creating the
// session first when needed.
func (ms *MusicSystem) Join(ctx context.Context, client *bot.Client, guildID, channelID, textChannelID snowflake.ID) (*MusicSession, error) {
	sess := ms.Prepare(client, guildID, channelID, textChannelID)
	if err := sess.voice.Join(ctx, channelID); err != nil {
		sys.LogVoice("Failed to connect to voice in guild %s: %v", guildID, err)
		ms.mu.Lock()
		delete(ms.sessions, guildID)
		ms.mu.Unlock()
		sess.teardown(ctx)
		return nil, err
	}
	return sess, nil
}

// Leave tears a session down. The pending queue is snapshotted first so a
// later session (or a restart) can recover it; only unadmitted download jobs
// are cancelled.
func (ms *MusicSystem) Leave(ctx context.Context, guildID snowflake.ID) {
	ms.mu.Lock()
	sess, ok := ms.sessions[guildID]
	if !ok {
		ms.mu.Unlock()
		return
	}
	delete(ms.sessions, guildID)
	ms.mu.Unlock()

	sess.mu.Lock()
	queueCopy := append([]Song(nil), sess.queue...)
	sess.mu.Unlock()
	saveQueueSnapshot(ctx, guildID, queueCopy)

	GetDownloadManager().ClearSessionJobs(guildID)
	sess.teardown(ctx)
	sys.LogVoice("Left voice in guild %s (%d song(s) preserved)", guildID, len(queueCopy))
}

// Shutdown stops every session, leaving snapshots in place for recovery.
func (ms *MusicSystem) Shutdown(ctx context.Context) {
	ms.mu.Lock()
	sessions := make([]*MusicSession, 0, len(ms.sessions))
	for id, sess := range ms.sessions {
		sessions = append(sessions, sess)
		delete(ms.sessions, id)
	}
	ms.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *MusicSession) {
			defer wg.Done()
			s.mu.Lock()
			queueCopy := append([]Song(nil), s.queue...)
			s.mu.Unlock()
			saveQueueSnapshot(ctx, s.GuildID, queueCopy)
			s.teardown(ctx)
		}(sess)
	}
	wg.Wait()
}

// ===========================
// Music Session
// ===========================

// MusicSession owns one guild's queue and playback state machine. All
// mutations go through its mutex; the play loop is the only goroutine that
// drives the voice transport.
type MusicSession struct {
	GuildID       snowflake.ID
	ChannelID     snowflake.ID
	TextChannelID snowflake.ID

	mu      sync.Mutex
	queue   []Song
	current *Song
	state   SessionState
	running bool
	stopped bool

	cancelCtx  context.Context
	cancelFunc context.CancelFunc

	voice  voiceSink
	client *bot.Client

	timerMu         sync.Mutex
	disconnectTimer *time.Timer

	fetch  func(ctx context.Context, url string, onProgress func(float64)) (string, error)
	notify func(format string, v ...any)
}

func (s *MusicSession) teardown(ctx context.Context) {
	s.cancelDisconnectTimer()
	s.cancelFunc()
	if s.voice != nil {
		s.voice.Close(ctx)
	}
}

// State returns the session's current playback state.
func (s *MusicSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NowPlaying returns the current song, if any.
func (s *MusicSession) NowPlaying() (Song, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Song{}, false
	}
	return *s.current, true
}

// Pending returns a copy of the pending queue.
func (s *MusicSession) Pending() []Song {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Song(nil), s.queue...)
}

// Enqueue appends songs, snapshots the queue, and starts playback when the
// session was idle. The first start attempts crash recovery so an
// interrupted song resumes ahead of the new arrivals.
func (s *MusicSession) Enqueue(songs ...Song) {
	if len(songs) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, songs...)
	queueCopy := append([]Song(nil), s.queue...)
	shouldStart := s.state == StateIdle && !s.running
	s.mu.Unlock()

	saveQueueSnapshot(s.cancelCtx, s.GuildID, queueCopy)
	if shouldStart {
		s.startPlayback(true)
	}
}

func (s *MusicSession) startPlayback(tryRecover bool) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopped = false
	s.mu.Unlock()

	sys.SafeGo(func() {
		defer func() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}()
		if tryRecover {
			s.resumeFromCrash(s.cancelCtx)
		}
		s.playLoop()
	})
}

// playLoop advances through the queue: fetch the head, play it, repeat.
// Failed songs are skipped with a notification; a run of consecutive
// failures is bounded by the queue length at the start of the run, so a
// queue of permanently broken songs terminates.
func (s *MusicSession) playLoop() {
	failures := 0
	budget := 0
	for {
		s.mu.Lock()
		if failures == 0 {
			budget = len(s.queue)
		}
		if s.stopped || len(s.queue) == 0 || (failures > 0 && failures >= budget) {
			s.current = nil
			s.state = StateIdle
			s.mu.Unlock()
			return
		}
		song := s.queue[0]
		s.queue = append([]Song(nil), s.queue[1:]...)
		s.current = &song
		s.state = StateDownloading
		queueCopy := append([]Song(nil), s.queue...)
		s.mu.Unlock()

		saveQueueSnapshot(s.cancelCtx, s.GuildID, queueCopy)

		path, err := s.fetch(s.cancelCtx, song.URL, nil)
		if err != nil {
			if s.cancelCtx.Err() != nil {
				return
			}
			failures++
			sys.LogVoice("Skipping %s in guild %s: %v", song.Title, s.GuildID, err)
			s.sendNotice("%s", failureMessage(err, song))
			continue
		}
		failures = 0

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.state = StatePlaying
		s.mu.Unlock()

		saveNowPlaying(s.cancelCtx, s.GuildID, song, true)
		sys.LogVoice("Playing track in guild %s: %s (%s)", s.GuildID, song.Title, song.URL)
		s.sendNotice("🎶 Now playing: **%s** (%s)", song.Title, FormatDuration(song.Duration))

		if len(queueCopy) > 0 {
			GetDownloadManager().AddHighPriority(s.GuildID, queueCopy[0])
		}

		if err := s.voice.PlayFile(s.cancelCtx, path); err != nil {
			sys.LogVoice("Playback error in guild %s: %v", s.GuildID, err)
		}

		if s.cancelCtx.Err() != nil {
			// Teardown mid-song: keep the now-playing snapshot so the next
			// session can recover the interrupted song.
			return
		}
		deleteNowPlayingSnapshot(s.cancelCtx, s.GuildID)

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
	}
}

// Pause transitions Playing to Paused. Any other state is a no-op.
func (s *MusicSession) Pause() bool {
	s.mu.Lock()
	if s.state != StatePlaying {
		state := s.state
		s.mu.Unlock()
		sys.LogVoice("Pause ignored in guild %s (state %s)", s.GuildID, state)
		return false
	}
	s.state = StatePaused
	var cur *Song
	if s.current != nil {
		c := *s.current
		cur = &c
	}
	s.mu.Unlock()

	s.voice.SetPaused(true)
	if cur != nil {
		saveNowPlaying(s.cancelCtx, s.GuildID, *cur, false)
	}
	return true
}

// Resume transitions Paused back to Playing. From Idle it first attempts
// crash recovery, then falls back to a plain queue restart.
func (s *MusicSession) Resume(ctx context.Context) bool {
	s.mu.Lock()
	switch s.state {
	case StatePaused:
		s.state = StatePlaying
		var cur *Song
		if s.current != nil {
			c := *s.current
			cur = &c
		}
		s.mu.Unlock()
		s.voice.SetPaused(false)
		if cur != nil {
			saveNowPlaying(ctx, s.GuildID, *cur, true)
		}
		return true
	case StateIdle:
		running := s.running
		s.mu.Unlock()
		if running {
			return false
		}
		if s.resumeFromCrash(ctx) {
			s.startPlayback(false)
			return true
		}
		s.mu.Lock()
		hasQueue := len(s.queue) > 0
		s.mu.Unlock()
		if hasQueue {
			s.startPlayback(false)
			return true
		}
		return false
	default:
		s.mu.Unlock()
		return false
	}
}

// Skip ends the current song; the play loop advances to the next one.
func (s *MusicSession) Skip() bool {
	s.mu.Lock()
	active := s.state == StatePlaying || s.state == StatePaused
	if active {
		s.state = StatePlaying
	}
	s.mu.Unlock()
	if !active {
		return false
	}
	s.voice.SetPaused(false)
	s.voice.StopCurrent()
	return true
}

// Stop halts playback and goes Idle. The queue is preserved, in memory and
// in its snapshot; only the now-playing snapshot is dropped.
func (s *MusicSession) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopped = true
	s.state = StateIdle
	s.current = nil
	queueCopy := append([]Song(nil), s.queue...)
	s.mu.Unlock()

	s.voice.SetPaused(false)
	s.voice.StopCurrent()
	deleteNowPlayingSnapshot(ctx, s.GuildID)
	saveQueueSnapshot(ctx, s.GuildID, queueCopy)
}

// Clear stops playback, empties the queue, cancels this guild's pending
// download jobs, and deletes both snapshots. Returns the number of songs
// removed.
func (s *MusicSession) Clear(ctx context.Context) int {
	s.mu.Lock()
	s.stopped = true
	s.state = StateIdle
	s.current = nil
	n := len(s.queue)
	s.queue = nil
	s.mu.Unlock()

	s.voice.SetPaused(false)
	s.voice.StopCurrent()
	GetDownloadManager().ClearSessionJobs(s.GuildID)
	deleteSnapshots(ctx, s.GuildID)
	return n
}

// Shuffle randomizes the pending queue. The current song is never in the
// pending queue so it is untouched. Returns the number of songs shuffled;
// zero when fewer than two are pending.
func (s *MusicSession) Shuffle(ctx context.Context) int {
	s.mu.Lock()
	if len(s.queue) < 2 {
		s.mu.Unlock()
		return 0
	}
	rand.Shuffle(len(s.queue), func(i, j int) {
		s.queue[i], s.queue[j] = s.queue[j], s.queue[i]
	})
	n := len(s.queue)
	queueCopy := append([]Song(nil), s.queue...)
	s.mu.Unlock()

	saveQueueSnapshot(ctx, s.GuildID, queueCopy)
	return n
}

// ===========================
// Disconnect Timer
// ===========================

// armDisconnectTimer arms the single auto-disconnect timer. Arming is
// idempotent: a second call while one is outstanding reports false.
func (s *MusicSession) armDisconnectTimer(grace time.Duration, fire func()) bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.disconnectTimer != nil {
		return false
	}
	s.disconnectTimer = time.AfterFunc(grace, func() {
		s.timerMu.Lock()
		s.disconnectTimer = nil
		s.timerMu.Unlock()
		fire()
	})
	return true
}

func (s *MusicSession) cancelDisconnectTimer() bool {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.disconnectTimer == nil {
		return false
	}
	s.disconnectTimer.Stop()
	s.disconnectTimer = nil
	return true
}

// ===========================
// Notifications
// ===========================

func (s *MusicSession) sendNotice(format string, v ...any) {
	if s.notify != nil {
		s.notify(format, v...)
		return
	}
	if s.client == nil || s.TextChannelID == 0 {
		return
	}
	_, err := s.client.Rest.CreateMessage(s.TextChannelID,
		discord.NewMessageCreateBuilder().SetContentf(format, v...).Build())
	if err != nil {
		sys.LogVoice("Failed to send notice in guild %s: %v", s.GuildID, err)
	}
}

func failureMessage(err error, song Song) string {
	title := song.Title
	if title == "" {
		title = song.URL
	}
	switch {
	case errors.Is(err, ErrUnavailable):
		return "⚠️ **" + title + "** is unavailable (removed or private). Skipping."
	case errors.Is(err, ErrRestricted):
		return "⚠️ **" + title + "** is restricted and cannot be played. Skipping."
	case errors.Is(err, ErrExtraction):
		return "⚠️ Could not process **" + title + "**. Skipping."
	case errors.Is(err, ErrNotFound):
		return "⚠️ No playable source found for **" + title + "**. Skipping."
	default:
		return "⚠️ Download failed for **" + title + "**. Skipping."
	}
}
