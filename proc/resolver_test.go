package proc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyFetchError(t *testing.T) {
	base := errors.New("exit status 1")
	cases := []struct {
		name   string
		stderr string
		want   error
	}{
		{"removed video", "ERROR: Video unavailable. This video has been removed", ErrUnavailable},
		{"private video", "ERROR: Private video. Sign in if you've been granted access", ErrUnavailable},
		{"terminated account", "the account associated with this video has been terminated", ErrUnavailable},
		{"age gate", "ERROR: Sign in to confirm your age", ErrRestricted},
		{"region lock", "ERROR: The uploader has not made this video not available in your country", ErrRestricted},
		{"drm", "ERROR: This video is DRM protected", ErrRestricted},
		{"extractor", "ERROR: Unable to extract video data", ErrExtraction},
		{"unsupported", "ERROR: Unsupported URL: https://example.com", ErrExtraction},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyFetchError(base, tc.stderr)
			assert.ErrorIs(t, got, tc.want)
			assert.True(t, IsPermanentFetchError(got))
		})
	}
}

func TestClassifyFetchError_UnknownStaysTransient(t *testing.T) {
	base := errors.New("exit status 1")
	got := classifyFetchError(base, "ERROR: connection reset by peer")
	assert.Equal(t, base, got)
	assert.False(t, IsPermanentFetchError(got))
}

func TestClassifyFetchError_NilPassesThrough(t *testing.T) {
	assert.NoError(t, classifyFetchError(nil, "whatever"))
}

func TestIsPermanentFetchError(t *testing.T) {
	assert.True(t, IsPermanentFetchError(ErrNotFound))
	assert.False(t, IsPermanentFetchError(errors.New("dial tcp: i/o timeout")))
	assert.False(t, IsPermanentFetchError(nil))
}

func TestCachedPath(t *testing.T) {
	dir := t.TempDir()
	r := &Resolver{cacheDir: dir}

	_, ok := r.CachedPath("abc123")
	assert.False(t, ok)

	_, ok = r.CachedPath("")
	assert.False(t, ok, "empty content key never resolves")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "abc123.mp3"), []byte("audio"), 0644))

	path, ok := r.CachedPath("abc123")
	assert.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "abc123.mp3"), path)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))
	long := make([]rune, 0, 150)
	for i := 0; i < 150; i++ {
		long = append(long, 'x')
	}
	got := truncate(string(long), 100)
	assert.Len(t, []rune(got), 100)
}
