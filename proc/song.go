package proc

import (
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// Song is an immutable description of one playable item. The content key
// derived from its URL is the unit of caching and download dedup.
type Song struct {
	Title         string
	URL           string
	Channel       string
	Duration      time.Duration
	Thumbnail     string
	RequesterID   snowflake.ID
	RequesterName string
}

// ContentKey returns the stable identifier extracted from the song URL, or
// "" when the URL carries none.
func (s Song) ContentKey() string {
	return extractVideoID(s.URL)
}

func extractVideoID(u string) string {
	if strings.Contains(u, "v=") {
		parts := strings.Split(u, "v=")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "&")
			if len(vidParts) > 0 {
				return vidParts[0]
			}
		}
	}
	if strings.Contains(u, "youtu.be/") {
		parts := strings.Split(u, "youtu.be/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				return vidParts[0]
			}
		}
	}
	if strings.Contains(u, "shorts/") {
		parts := strings.Split(u, "shorts/")
		if len(parts) >= 2 {
			vidParts := strings.Split(parts[1], "?")
			if len(vidParts) > 0 {
				return vidParts[0]
			}
		}
	}
	return ""
}

func thumbnailFor(videoID string) string {
	if videoID == "" {
		return ""
	}
	return "https://i.ytimg.com/vi/" + videoID + "/hqdefault.jpg"
}

// FormatDuration renders a duration as m:ss or h:mm:ss for queue displays.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "live"
	}
	total := int(d.Seconds())
	h, m, s := total/3600, (total%3600)/60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
