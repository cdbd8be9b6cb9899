// Package transcript fetches timed-text caption tracks and turns them into
// corpus segments.
package transcript

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
)

const DefaultBaseURL = "https://video.google.com/timedtext"

type Fetcher struct {
	baseURL string
	lang    string
	client  *http.Client
}

func NewFetcher(baseURL, lang string, client *http.Client) *Fetcher {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if lang == "" {
		lang = "en"
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{baseURL: baseURL, lang: lang, client: client}
}

// Fetch downloads the caption track of videoID.
func (f *Fetcher) Fetch(ctx context.Context, videoID string) ([]corpus.Segment, error) {
	q := url.Values{"v": {videoID}, "lang": {f.lang}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrTranscriptUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d for %s", apperr.ErrTranscriptUnavailable, resp.StatusCode, videoID)
	}

	segs, err := Parse(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: no captions for %s", apperr.ErrTranscriptUnavailable, videoID)
	}
	slog.DebugContext(ctx, "transcript fetched", "video_id", videoID, "segments", len(segs))
	return segs, nil
}

// Parse reads a timed-text document of <text start="s" dur="s"> elements.
// Caption bodies arrive entity-encoded twice.
func Parse(r io.Reader) ([]corpus.Segment, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrTranscriptUnavailable, err)
	}

	var segs []corpus.Segment
	var parseErr error
	doc.Find("text").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		start, err := seconds(s.AttrOr("start", "0"))
		if err != nil {
			parseErr = err
			return false
		}
		dur, err := seconds(s.AttrOr("dur", "0"))
		if err != nil {
			parseErr = err
			return false
		}
		body := strings.TrimSpace(html.UnescapeString(s.Text()))
		if body == "" {
			return true
		}
		segs = append(segs, corpus.Segment{Text: body, Start: start, Duration: dur})
		return true
	})
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrTranscriptUnavailable, parseErr)
	}
	return segs, nil
}

func seconds(s string) (time.Duration, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return time.Duration(f * float64(time.Second)), nil
}
