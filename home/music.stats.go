package home

import (
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/xybeat/proc"
	"github.com/leeineian/xybeat/sys"
)

// fetchStatusDisplayLimit caps how many upcoming songs get a per-key
// scheduler status line.
const fetchStatusDisplayLimit = 3

func handleMusicStats(event *events.ApplicationCommandInteractionCreate) {
	guildID := event.GuildID()
	if guildID == nil {
		_ = event.CreateMessage(discord.MessageCreate{Content: "Not in a guild."})
		return
	}

	dm := proc.GetDownloadManager()
	stats := dm.GetStats()
	uptime := time.Since(sys.StartupTime).Round(time.Second)

	var b strings.Builder
	b.WriteString("# Playback Stats\n\n")
	fmt.Fprintf(&b, "> **Uptime:** %s\n", uptime)

	var statusLines []string
	if sess := proc.GetMusicManager().GetSession(*guildID); sess != nil {
		pending := sess.Pending()
		fmt.Fprintf(&b, "> **Session state:** %s\n", sess.State())
		fmt.Fprintf(&b, "> **Queued songs:** %d\n", len(pending))

		if cur, ok := sess.NowPlaying(); ok {
			st, tracked := dm.GetStatus(cur.ContentKey())
			statusLines = append(statusLines, fetchStatusLine(cur, st, tracked))
		}
		for i, song := range pending {
			if i >= fetchStatusDisplayLimit {
				break
			}
			st, tracked := dm.GetStatus(song.ContentKey())
			statusLines = append(statusLines, fetchStatusLine(song, st, tracked))
		}
	} else {
		b.WriteString("> **Session state:** none\n")
	}

	fmt.Fprintf(&b, "> **Fetch queue depth:** %d\n", stats.QueueDepth)
	fmt.Fprintf(&b, "> **Active fetches:** %d\n", stats.Active)
	if n, ok := stats.PerGuildActive[*guildID]; ok {
		fmt.Fprintf(&b, "> **Active here:** %d\n", n)
	}

	if len(statusLines) > 0 {
		b.WriteString("\n**Fetch status**\n")
		for _, line := range statusLines {
			b.WriteString(line + "\n")
		}
	}

	_ = event.CreateMessage(discord.MessageCreate{Content: b.String()})
}

// fetchStatusLine renders the scheduler's status record for one song's
// content key. A song without a record is either cached or was never handed
// to the scheduler.
func fetchStatusLine(song proc.Song, st proc.DownloadStatus, tracked bool) string {
	title := song.Title
	if title == "" {
		title = song.URL
	}
	if !tracked {
		return fmt.Sprintf("> **%s:** cached or not scheduled", title)
	}
	switch st.State {
	case proc.StatusDownloading:
		return fmt.Sprintf("> **%s:** downloading (%.0f%%)", title, st.Progress)
	case proc.StatusFailed:
		return fmt.Sprintf("> **%s:** failed (%v)", title, st.Err)
	default:
		return fmt.Sprintf("> **%s:** %s", title, st.State)
	}
}
