package proc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/lrstanley/go-ytdlp"
	"github.com/ppalone/ytsearch"
	"github.com/raitonoberu/ytmusic"
	"golang.org/x/time/rate"

	"github.com/leeineian/xybeat/sys"
)

// ===========================
// Fetch Error Taxonomy
// ===========================

// Permanent content errors. Anything not matching one of these is treated as
// transient and retried by the download scheduler.
var (
	ErrUnavailable = errors.New("content unavailable")
	ErrRestricted  = errors.New("content restricted")
	ErrExtraction  = errors.New("extraction failed")
	ErrNotFound    = errors.New("no results found")
)

// IsPermanentFetchError reports whether err should never be retried.
func IsPermanentFetchError(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRestricted) ||
		errors.Is(err, ErrExtraction) ||
		errors.Is(err, ErrNotFound)
}

// classifyFetchError maps yt-dlp stderr output onto the error taxonomy.
func classifyFetchError(err error, stderr string) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "video unavailable"),
		strings.Contains(msg, "private video"),
		strings.Contains(msg, "has been removed"),
		strings.Contains(msg, "account associated with this video has been terminated"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "sign in to confirm your age"),
		strings.Contains(msg, "age-restricted"),
		strings.Contains(msg, "not available in your country"),
		strings.Contains(msg, "drm"):
		return fmt.Errorf("%w: %v", ErrRestricted, err)
	case strings.Contains(msg, "unable to extract"),
		strings.Contains(msg, "unsupported url"):
		return fmt.Errorf("%w: %v", ErrExtraction, err)
	default:
		return err
	}
}

// ===========================
// Media Resolver
// ===========================

const maxPlaylistItems = 50

// Resolver turns queries into Song metadata and fetches audio into the
// content-addressed cache. yt-dlp invocations are rate limited globally so
// parallel sessions do not hammer the extractor.
type Resolver struct {
	cacheDir string
	limiter  *rate.Limiter
}

var (
	resolverInstance *Resolver
	resolverOnce     sync.Once
)

func GetResolver() *Resolver {
	resolverOnce.Do(func() {
		dir := ".tracks"
		if sys.GlobalConfig != nil {
			dir = sys.GlobalConfig.CacheDir
		}
		resolverInstance = &Resolver{
			cacheDir: dir,
			limiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 3),
		}
	})
	return resolverInstance
}

// CachedPath returns the cache file for a content key and whether it exists.
func (r *Resolver) CachedPath(contentKey string) (string, bool) {
	if contentKey == "" {
		return "", false
	}
	path := filepath.Join(r.cacheDir, contentKey+".mp3")
	_, err := os.Stat(path)
	return path, err == nil
}

// Resolve expands a query into one or more Songs. A playlist URL yields the
// whole batch, a plain URL yields one song, and free text is searched.
func (r *Resolver) Resolve(ctx context.Context, query string, requesterID snowflake.ID, requesterName string) ([]Song, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrNotFound
	}

	if strings.HasPrefix(query, "http") {
		if strings.Contains(query, "list=") || strings.Contains(query, "/playlist") {
			return r.expandPlaylist(ctx, query, requesterID, requesterName)
		}
		song, err := r.resolveURL(ctx, query, requesterID, requesterName)
		if err != nil {
			return nil, err
		}
		return []Song{song}, nil
	}

	results := r.Search(query)
	if len(results) == 0 {
		return nil, ErrNotFound
	}
	song, err := r.resolveURL(ctx, results[0].URL, requesterID, requesterName)
	if err != nil {
		return nil, err
	}
	return []Song{song}, nil
}

func (r *Resolver) resolveURL(ctx context.Context, u string, requesterID snowflake.ID, requesterName string) (Song, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Song{}, err
	}
	res, err := ytdlp.New().
		Print("%(title)s\t%(uploader)s\t%(duration)s\t%(id)s").
		NoPlaylist().
		NoWarnings().
		IgnoreConfig().
		Run(ctx, "--skip-download", u)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return Song{}, classifyFetchError(err, stderr)
	}
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[2] + "s")
		canonical := "https://www.youtube.com/watch?v=" + ps[3]
		if strings.Contains(u, "music.youtube.com") {
			canonical = "https://music.youtube.com/watch?v=" + ps[3]
		}
		return Song{
			Title:         ps[0],
			Channel:       ps[1],
			Duration:      d,
			URL:           canonical,
			Thumbnail:     thumbnailFor(ps[3]),
			RequesterID:   requesterID,
			RequesterName: requesterName,
		}, nil
	}
	return Song{}, fmt.Errorf("%w: no metadata for %s", ErrExtraction, u)
}

func (r *Resolver) expandPlaylist(ctx context.Context, u string, requesterID snowflake.ID, requesterName string) ([]Song, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s\t%(title)s\t%(uploader)s\t%(duration)s").
		PlaylistItems(fmt.Sprintf("1-%d", maxPlaylistItems)).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, u)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		return nil, classifyFetchError(err, stderr)
	}
	var songs []Song
	for _, l := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 4 {
			continue
		}
		d, _ := time.ParseDuration(ps[3] + "s")
		id := extractVideoID(ps[0])
		songs = append(songs, Song{
			URL:           ps[0],
			Title:         ps[1],
			Channel:       ps[2],
			Duration:      d,
			Thumbnail:     thumbnailFor(id),
			RequesterID:   requesterID,
			RequesterName: requesterName,
		})
	}
	if len(songs) == 0 {
		return nil, fmt.Errorf("%w: empty playlist %s", ErrNotFound, u)
	}
	return songs, nil
}

// ===========================
// Search
// ===========================

type SearchResult struct{ Title, URL string }

// Search races YouTube Music against plain YouTube and merges the results,
// music hits first. Bounded by a hard deadline so autocomplete stays snappy.
func (r *Resolver) Search(q string) []SearchResult {
	ctx, cancel := context.WithTimeout(context.Background(), 2600*time.Millisecond)
	defer cancel()

	resMu := sync.Mutex{}
	var ytm, yt []SearchResult
	seen := make(map[string]bool)
	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		s := ytmusic.TrackSearch(q)
		res, _ := s.Next()
		for _, v := range res.Tracks {
			if v.VideoID == "" {
				continue
			}
			title := v.Title
			if len(v.Artists) > 0 {
				title += " - " + v.Artists[0].Name
			}
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				ytm = append(ytm, SearchResult{URL: "https://music.youtube.com/watch?v=" + v.VideoID, Title: truncate(title, 100)})
			}
			resMu.Unlock()
		}
	}()
	go func() {
		defer wg.Done()
		c := ytsearch.NewClient(nil)
		res, _ := c.Search(ctx, q)
		for _, v := range res.Results {
			resMu.Lock()
			if !seen[v.VideoID] {
				seen[v.VideoID] = true
				yt = append(yt, SearchResult{URL: "https://www.youtube.com/watch?v=" + v.VideoID, Title: truncate(v.Title, 100)})
			}
			resMu.Unlock()
		}
	}()

	d := make(chan struct{})
	go func() {
		wg.Wait()
		close(d)
	}()
	select {
	case <-d:
	case <-time.After(2300 * time.Millisecond):
	}

	resMu.Lock()
	defer resMu.Unlock()
	fin := append(append([]SearchResult{}, ytm...), yt...)
	if len(fin) > 25 {
		fin = fin[:25]
	}
	return fin
}

func truncate(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max-1]) + "…"
}

// ===========================
// Fetch
// ===========================

// Fetch downloads and transcodes the song at url into the cache, returning
// the local file path. The cache is checked first so repeated fetches of the
// same content key are free. onProgress, when non-nil, receives percentages
// for the lifetime of this call only.
func (r *Resolver) Fetch(ctx context.Context, url string, onProgress func(float64)) (string, error) {
	contentKey := extractVideoID(url)
	if contentKey == "" {
		return "", fmt.Errorf("%w: no content key in %s", ErrExtraction, url)
	}
	if path, ok := r.CachedPath(contentKey); ok {
		return path, nil
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}

	cmd := ytdlp.New().
		Format("bestaudio/best").
		ExtractAudio().
		AudioFormat("mp3").
		Output(filepath.Join(r.cacheDir, "%(id)s.%(ext)s")).
		NoPlaylist().
		NoWarnings().
		IgnoreConfig()
	if onProgress != nil {
		cmd = cmd.ProgressFunc(500*time.Millisecond, func(update ytdlp.ProgressUpdate) {
			onProgress(update.Percent())
		})
	}

	res, err := cmd.Run(ctx, url)
	if err != nil {
		stderr := ""
		if res != nil {
			stderr = res.Stderr
		}
		sys.LogDownloader("yt-dlp failed for %s: %v", url, err)
		return "", classifyFetchError(err, stderr)
	}

	path, ok := r.CachedPath(contentKey)
	if !ok {
		return "", fmt.Errorf("%w: download produced no file for %s", ErrExtraction, url)
	}
	return path, nil
}
