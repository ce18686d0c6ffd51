package home

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leeineian/xybeat/proc"
)

func TestFetchStatusLine(t *testing.T) {
	song := proc.Song{Title: "Test Song", URL: "https://www.youtube.com/watch?v=abc123def45"}

	cases := []struct {
		name    string
		song    proc.Song
		st      proc.DownloadStatus
		tracked bool
		want    string
	}{
		{
			name: "untracked is cached or unscheduled",
			song: song,
			want: "> **Test Song:** cached or not scheduled",
		},
		{
			name:    "pending",
			song:    song,
			st:      proc.DownloadStatus{State: proc.StatusPending},
			tracked: true,
			want:    "> **Test Song:** pending",
		},
		{
			name:    "downloading shows progress",
			song:    song,
			st:      proc.DownloadStatus{State: proc.StatusDownloading, Progress: 40},
			tracked: true,
			want:    "> **Test Song:** downloading (40%)",
		},
		{
			name:    "failed carries the error",
			song:    song,
			st:      proc.DownloadStatus{State: proc.StatusFailed, Err: errors.New("boom")},
			tracked: true,
			want:    "> **Test Song:** failed (boom)",
		},
		{
			name:    "completed",
			song:    song,
			st:      proc.DownloadStatus{State: proc.StatusCompleted},
			tracked: true,
			want:    "> **Test Song:** completed",
		},
		{
			name: "untitled song falls back to its URL",
			song: proc.Song{URL: "https://www.youtube.com/watch?v=abc123def45"},
			want: "> **https://www.youtube.com/watch?v=abc123def45:** cached or not scheduled",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fetchStatusLine(tc.song, tc.st, tc.tracked))
		})
	}
}
