package proc

import (
	"context"
	"time"

	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"

	"github.com/leeineian/xybeat/sys"
)

func init() {
	sys.RegisterVoiceStateUpdateHandler(handleVoicePresence)
}

func disconnectGrace() time.Duration {
	if sys.GlobalConfig != nil {
		return sys.GlobalConfig.DisconnectGrace
	}
	return 5 * time.Minute
}

// presenceUpdate is a voice state change reduced to what the membership
// policy needs. countHumans is called against live state, both on the update
// itself and again when a disconnect timer fires.
type presenceUpdate struct {
	guildID     snowflake.ID
	fromBot     bool
	botChannel  *snowflake.ID
	countHumans func(channelID snowflake.ID) int
}

func handleVoicePresence(event *events.GuildVoiceStateUpdate) {
	client := event.Client()
	guildID := event.VoiceState.GuildID
	applyPresence(GetMusicManager(), presenceUpdate{
		guildID:    guildID,
		fromBot:    event.VoiceState.UserID == client.ID(),
		botChannel: event.VoiceState.ChannelID,
		countHumans: func(channelID snowflake.ID) int {
			return cachedHumanCount(client, guildID, channelID)
		},
	})
}

// applyPresence watches voice membership for guilds with an active session.
// An empty channel pauses playback and arms the auto-disconnect timer; a
// returning listener disarms it. Playback never resumes on its own,
// listeners un-pause explicitly.
func applyPresence(ms *MusicSystem, up presenceUpdate) {
	sess := ms.GetSession(up.guildID)

	// Bot's own state changed: external disconnect or channel move.
	if up.fromBot {
		if up.botChannel == nil {
			if sess != nil {
				sys.LogPresence("Bot disconnected by external event in guild %s", up.guildID)
				ms.Leave(context.Background(), up.guildID)
			}
			return
		}
		if sess != nil {
			sess.mu.Lock()
			if sess.ChannelID != *up.botChannel {
				sys.LogPresence("Bot moved to channel %s in guild %s", *up.botChannel, up.guildID)
				sess.ChannelID = *up.botChannel
			}
			sess.mu.Unlock()
		}
		return
	}

	if sess == nil {
		return
	}

	sess.mu.Lock()
	channelID := sess.ChannelID
	sess.mu.Unlock()
	if channelID == 0 {
		return
	}

	humans := up.countHumans(channelID)

	if humans == 0 {
		if sess.State() == StatePlaying {
			sys.LogPresence("Pausing playback in guild %s (no listeners)", up.guildID)
			sess.Pause()
			sess.sendNotice("⏸️ Paused: everyone left the voice channel.")
		}
		if sess.armDisconnectTimer(disconnectGrace(), func() { autoDisconnect(ms, up.guildID, up.countHumans) }) {
			sys.LogPresence("Armed auto-disconnect for guild %s (%s grace)", up.guildID, disconnectGrace())
		}
		return
	}

	if sess.cancelDisconnectTimer() {
		sys.LogPresence("Listener returned in guild %s, auto-disconnect cancelled", up.guildID)
		sess.sendNotice("👋 Welcome back! Playback is paused, resume whenever you are ready.")
	}
}

// autoDisconnect fires when the grace period elapses. Membership is re-checked
// before leaving, a stale timer never disconnects a channel with listeners.
func autoDisconnect(ms *MusicSystem, guildID snowflake.ID, countHumans func(channelID snowflake.ID) int) {
	sess := ms.GetSession(guildID)
	if sess == nil {
		return
	}

	sess.mu.Lock()
	channelID := sess.ChannelID
	sess.mu.Unlock()

	if channelID != 0 && countHumans(channelID) > 0 {
		return
	}

	sys.LogPresence("Auto-disconnecting from guild %s after empty-channel grace", guildID)
	sess.sendNotice("💤 Left the voice channel after %s alone. Your queue is saved.", disconnectGrace())
	ms.Leave(context.Background(), guildID)
}

// cachedHumanCount counts non-bot members in a channel from the gateway
// caches. The bot's own state never counts.
func cachedHumanCount(client *bot.Client, guildID, channelID snowflake.ID) int {
	humans := 0
	for state := range client.Caches.VoiceStates(guildID) {
		if state.ChannelID != nil && *state.ChannelID == channelID && state.UserID != client.ID() {
			if m, ok := client.Caches.Member(guildID, state.UserID); !ok || !m.User.Bot {
				humans++
			}
		}
	}
	return humans
}
