package corpus

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ParagraphPause is the silence between two transcript segments that starts
// a new paragraph in the joined document text.
const ParagraphPause = 2 * time.Second

// Segment is one caption line of a transcript.
type Segment struct {
	Text     string        `json:"text"`
	Start    time.Duration `json:"start"`
	Duration time.Duration `json:"duration"`
}

// Mark ties a byte offset of Document.RawText to a position in the video.
type Mark struct {
	Offset int           `json:"offset"`
	Start  time.Duration `json:"start"`
}

type Document struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	RawText string `json:"raw_text"`
	Marks   []Mark `json:"marks,omitempty"`
}

// ContentHash identifies a document by its text.
func (d Document) ContentHash() string {
	sum := sha256.Sum256([]byte(d.RawText))
	return fmt.Sprintf("%x", sum)
}

// TimeAt returns the start time of the segment containing offset.
func (d Document) TimeAt(offset int) time.Duration {
	if len(d.Marks) == 0 {
		return 0
	}
	i := sort.Search(len(d.Marks), func(i int) bool { return d.Marks[i].Offset > offset })
	if i == 0 {
		return d.Marks[0].Start
	}
	return d.Marks[i-1].Start
}

// DocumentFromSegments joins transcript segments into one document. Segments
// separated by a pause of at least ParagraphPause start a new paragraph.
func DocumentFromSegments(id, url string, segments []Segment) Document {
	var b strings.Builder
	marks := make([]Mark, 0, len(segments))
	var prevEnd time.Duration

	for _, seg := range segments {
		text := strings.Join(strings.Fields(seg.Text), " ")
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			if seg.Start-prevEnd >= ParagraphPause {
				b.WriteString("\n\n")
			} else {
				b.WriteString(" ")
			}
		}
		marks = append(marks, Mark{Offset: b.Len(), Start: seg.Start})
		b.WriteString(text)
		prevEnd = seg.Start + seg.Duration
	}

	return Document{ID: id, URL: url, RawText: b.String(), Marks: marks}
}

type Chunk struct {
	DocumentID    string            `json:"document_id"`
	SequenceIndex int               `json:"sequence_index"`
	Text          string            `json:"text"`
	StartOffset   int               `json:"start_offset"`
	StartTime     time.Duration     `json:"start_time"`
	URL           string            `json:"url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Embedding     []float32         `json:"embedding,omitempty"`
}

// ChunkID builds the identity of a chunk from its document and position.
func ChunkID(documentID string, seq int) string {
	return fmt.Sprintf("%s#%d", documentID, seq)
}

func (c Chunk) ID() string {
	return ChunkID(c.DocumentID, c.SequenceIndex)
}

func (c Chunk) EndOffset() int {
	return c.StartOffset + len(c.Text)
}

// Link points at the moment of the video the chunk starts at.
func (c Chunk) Link() string {
	if c.URL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(c.URL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%st=%ds", c.URL, sep, int(c.StartTime.Seconds()))
}
