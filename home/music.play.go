package home

import (
	"context"
	"errors"
	"fmt"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/xybeat/proc"
	"github.com/leeineian/xybeat/sys"
)

func handleMusicPlay(event *events.ApplicationCommandInteractionCreate, data discord.SlashCommandInteractionData) {
	query, _ := data.OptString("query")

	// Instant Defer
	_ = event.DeferCreateMessage(false)

	if err := startPlayback(event, query); err != nil {
		sys.LogError("Playback error: %v", err)
		_, _ = event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdateBuilder().
			SetContent("Failed to start player: "+err.Error()).
			Build())
	}
}

var errNotInVoice = errors.New("join a voice channel first")

func startPlayback(event *events.ApplicationCommandInteractionCreate, query string) error {
	var voiceState discord.VoiceState
	var ok bool
	if event.Member() != nil {
		voiceState, ok = event.Client().Caches.VoiceState(*event.GuildID(), event.User().ID)
	}
	if !ok || voiceState.ChannelID == nil {
		return errNotInVoice
	}

	guildID := *event.GuildID()
	ms := proc.GetMusicManager()

	// Prepare synchronously so GetSession succeeds for parallel calls, then
	// join and resolve concurrently.
	_ = ms.Prepare(event.Client(), guildID, *voiceState.ChannelID, event.Channel().ID())

	joinErr := make(chan error, 1)
	go func() {
		_, err := ms.Join(context.Background(), event.Client(), guildID, *voiceState.ChannelID, event.Channel().ID())
		joinErr <- err
	}()

	songs, err := proc.GetResolver().Resolve(context.Background(), query, event.User().ID, event.User().Username)
	if err != nil {
		return err
	}
	if err := <-joinErr; err != nil {
		return err
	}

	sess := ms.GetSession(guildID)
	if sess == nil {
		return errors.New("session lost during join")
	}

	// Batches fan out to the background fetcher; the play loop pulls the
	// head itself so only songs past the first need scheduling.
	if len(songs) > 1 {
		proc.GetDownloadManager().AddJobs(guildID, songs[1:], proc.BulkPriority)
	}
	sess.Enqueue(songs...)

	return finishPlaybackResponse(event, songs)
}

func finishPlaybackResponse(event *events.ApplicationCommandInteractionCreate, songs []proc.Song) error {
	var content string
	if len(songs) == 1 {
		s := songs[0]
		content = fmt.Sprintf("▶️ Queued **%s** (%s)", s.Title, proc.FormatDuration(s.Duration))
	} else {
		content = fmt.Sprintf("▶️ Queued **%d songs** from playlist", len(songs))
	}
	_, err := event.Client().Rest.UpdateInteractionResponse(event.ApplicationID(), event.Token(), discord.NewMessageUpdateBuilder().
		SetContent(content).
		Build())
	return err
}

func handleMusicAutocomplete(event *events.AutocompleteInteractionCreate) {
	data := event.Data
	focused := data.Focused()
	if focused.Name != "query" {
		return
	}
	query := focused.String()
	if query == "" {
		_ = event.AutocompleteResult(nil)
		return
	}

	results := proc.GetResolver().Search(query)
	var choices []discord.AutocompleteChoice
	for i, r := range results {
		if i >= 25 {
			break
		}
		name := r.Title
		if len(name) > 100 {
			name = name[:97] + "..."
		}

		// Use URL as value for instant playback
		val := r.URL
		if len(val) > 100 {
			val = name
		}

		choices = append(choices, discord.AutocompleteChoiceString{
			Name:  name,
			Value: val,
		})
	}
	_ = event.AutocompleteResult(choices)
}
