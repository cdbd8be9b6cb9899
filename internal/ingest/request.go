package ingest

import (
	"cmp"
	"context"
	"fmt"
	"strings"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/validate"
)

const watchURL = "https://www.youtube.com/watch?v="

// TranscriptSource fetches the caption segments of a video.
type TranscriptSource interface {
	Fetch(ctx context.Context, videoID string) ([]corpus.Segment, error)
}

// DocumentInput describes one document to ingest. Exactly one of Text,
// Segments or VideoID supplies its content.
type DocumentInput struct {
	ID       string           `json:"id,omitempty"`
	URL      string           `json:"url,omitempty"`
	Title    string           `json:"title,omitempty"`
	Text     string           `json:"text,omitempty"`
	Segments []corpus.Segment `json:"segments,omitempty"`
	VideoID  string           `json:"video_id,omitempty"`
}

// Request is the body of an ingestion call and the payload of an
// asynchronous ingestion message.
type Request struct {
	IndexID       string          `json:"index_id,omitempty"`
	Documents     []DocumentInput `json:"documents" validate:"required,min=1"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (r Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrInvalidConfig, err)
	}
	ids := make(map[string]struct{}, len(r.Documents))
	for i, d := range r.Documents {
		if id := cmp.Or(d.ID, d.VideoID); id != "" {
			if _, dup := ids[id]; dup {
				return fmt.Errorf("%w: duplicate document id %q", apperr.ErrInvalidConfig, id)
			}
			ids[id] = struct{}{}
		}
		sources := 0
		if strings.TrimSpace(d.Text) != "" {
			sources++
		}
		if len(d.Segments) > 0 {
			sources++
		}
		if d.VideoID != "" {
			sources++
		}
		if sources != 1 {
			return fmt.Errorf("%w: document %d needs exactly one of text, segments or video_id", apperr.ErrInvalidConfig, i)
		}
	}
	return nil
}

// Resolve turns inputs into documents, fetching transcripts for video ids.
func Resolve(ctx context.Context, src TranscriptSource, inputs []DocumentInput) ([]corpus.Document, error) {
	docs := make([]corpus.Document, 0, len(inputs))
	for _, in := range inputs {
		var doc corpus.Document
		switch {
		case in.VideoID != "":
			if src == nil {
				return nil, fmt.Errorf("%w: no transcript source configured", apperr.ErrTranscriptUnavailable)
			}
			segs, err := src.Fetch(ctx, in.VideoID)
			if err != nil {
				return nil, err
			}
			if in.ID == "" {
				in.ID = in.VideoID
			}
			if in.URL == "" {
				in.URL = watchURL + in.VideoID
			}
			doc = corpus.DocumentFromSegments(in.ID, in.URL, segs)
		case len(in.Segments) > 0:
			doc = corpus.DocumentFromSegments(in.ID, in.URL, in.Segments)
		default:
			doc = corpus.Document{ID: in.ID, URL: in.URL, RawText: in.Text}
		}
		doc.Title = in.Title
		if doc.ID == "" {
			doc.ID = doc.ContentHash()[:16]
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
