package home

import (
	"context"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/xybeat/proc"
)

func activeSession(event *events.ApplicationCommandInteractionCreate) *proc.MusicSession {
	guildID := event.GuildID()
	if guildID == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Not in a guild."})
		return nil
	}
	sess := proc.GetMusicManager().GetSession(*guildID)
	if sess == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Nothing is playing."})
		return nil
	}
	return sess
}

func handleMusicPause(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}
	if !sess.Pause() {
		_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf("Nothing to pause (state: %s).", sess.State())})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: "⏸️ Paused."})
}

func handleMusicResume(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}
	if !sess.Resume(context.Background()) {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Nothing to resume."})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: "▶️ Resumed."})
}

func handleMusicSkip(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}
	if !sess.Skip() {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Nothing to skip."})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: "⏭️ Skipped."})
}

func handleMusicStop(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}
	sess.Stop(context.Background())
	pending := len(sess.Pending())
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf("⏹️ Stopped. %d song(s) kept in the queue.", pending)})
}

func handleMusicClear(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}
	n := sess.Clear(context.Background())
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf("🗑️ Cleared %d song(s) and stopped playback.", n)})
}

func handleMusicShuffle(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}
	n := sess.Shuffle(context.Background())
	if n == 0 {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Not enough songs to shuffle."})
		return
	}
	_ = event.CreateMessage(discord.MessageCreate{Content: fmt.Sprintf("🔀 Shuffled %d song(s).", n)})
}
