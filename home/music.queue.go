package home

import (
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/leeineian/xybeat/proc"
)

const queueDisplayLimit = 10

func handleMusicQueue(event *events.ApplicationCommandInteractionCreate) {
	sess := activeSession(event)
	if sess == nil {
		return
	}

	var b strings.Builder
	if current, ok := sess.NowPlaying(); ok {
		fmt.Fprintf(&b, "**Now %s:** %s (%s), requested by %s\n",
			strings.ToLower(sess.State().String()), current.Title, proc.FormatDuration(current.Duration), current.RequesterName)
	} else {
		b.WriteString("Nothing playing right now.\n")
	}

	pending := sess.Pending()
	if len(pending) == 0 {
		b.WriteString("\nThe queue is empty.")
	} else {
		fmt.Fprintf(&b, "\n**Up next** (%d):\n", len(pending))
		for i, s := range pending {
			if i >= queueDisplayLimit {
				fmt.Fprintf(&b, "… and %d more\n", len(pending)-queueDisplayLimit)
				break
			}
			fmt.Fprintf(&b, "%d. %s (%s)\n", i+1, s.Title, proc.FormatDuration(s.Duration))
		}
	}

	_ = event.CreateMessage(discord.MessageCreate{Content: b.String()})
}
