package text

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
)

// Boundary is the strength of a split point between two words.
type Boundary int

const (
	BoundaryWhitespace Boundary = iota
	BoundarySentence
	BoundaryParagraph
)

// Options sizes chunks in words.
type Options struct {
	MaxChunkSize int `json:"max_chunk_size" validate:"gt=0"`
	Overlap      int `json:"overlap" validate:"gte=0,ltfield=MaxChunkSize"`
}

func DefaultOptions() Options {
	return Options{MaxChunkSize: 200, Overlap: 30}
}

func (o Options) Validate() error {
	if o.MaxChunkSize <= 0 {
		return fmt.Errorf("%w: max chunk size must be positive, got %d", apperr.ErrInvalidConfig, o.MaxChunkSize)
	}
	if o.Overlap < 0 || o.Overlap >= o.MaxChunkSize {
		return fmt.Errorf("%w: overlap %d must be in [0, %d)", apperr.ErrInvalidConfig, o.Overlap, o.MaxChunkSize)
	}
	return nil
}

// Span is a chunk of text located by byte offsets in its source.
type Span struct {
	Start int
	End   int
	Words int
}

type word struct {
	start, end int
}

var cueRe = regexp.MustCompile(`(?i)\[(?:music|applause|laughter|laughs|inaudible|silence|cheering|noise|foreign)\]|♪+`)

// CleanTranscript strips bracketed non-speech cues such as [Music] and
// collapses runs of spaces left behind.
func CleanTranscript(s string) string {
	out, _ := clean(s)
	return out
}

// CleanDocument applies CleanTranscript to doc and moves its timestamp
// marks onto the cleaned text. Marks whose text was removed entirely fold
// into the next surviving one.
func CleanDocument(doc corpus.Document) corpus.Document {
	cleaned, origin := clean(doc.RawText)
	doc.RawText = cleaned
	if len(doc.Marks) == 0 {
		return doc
	}

	marks := make([]corpus.Mark, 0, len(doc.Marks))
	for _, mk := range doc.Marks {
		at := sort.SearchInts(origin, mk.Offset)
		if at == len(origin) {
			break
		}
		if n := len(marks); n > 0 && marks[n-1].Offset == at {
			marks[n-1].Start = mk.Start
			continue
		}
		marks = append(marks, corpus.Mark{Offset: at, Start: mk.Start})
	}
	doc.Marks = marks
	return doc
}

// clean returns the cleaned text and, for every byte of it, the offset of
// the input byte it came from. origin is strictly increasing.
func clean(s string) (string, []int) {
	mid := make([]byte, 0, len(s))
	midOrigin := make([]int, 0, len(s))
	last := 0
	for _, m := range cueRe.FindAllStringIndex(s, -1) {
		for i := last; i < m[0]; i++ {
			mid = append(mid, s[i])
			midOrigin = append(midOrigin, i)
		}
		mid = append(mid, ' ')
		midOrigin = append(midOrigin, m[0])
		last = m[1]
	}
	for i := last; i < len(s); i++ {
		mid = append(mid, s[i])
		midOrigin = append(midOrigin, i)
	}

	out := make([]byte, 0, len(mid))
	origin := make([]int, 0, len(mid))
	for lo := 0; lo <= len(mid); {
		hi := len(mid)
		if nl := bytes.IndexByte(mid[lo:], '\n'); nl >= 0 {
			hi = lo + nl
		}
		if lo > 0 {
			out = append(out, '\n')
			origin = append(origin, midOrigin[lo-1])
		}

		a, b := lo, hi
		for a < b && isBlank(mid[a]) {
			a++
		}
		for b > a && isBlank(mid[b-1]) {
			b--
		}
		for i := a; i < b; i++ {
			if isSpaceOrTab(mid[i]) && i+1 < b && isSpaceOrTab(mid[i+1]) {
				out = append(out, ' ')
				origin = append(origin, midOrigin[i])
				for i+1 < b && isSpaceOrTab(mid[i+1]) {
					i++
				}
				continue
			}
			out = append(out, mid[i])
			origin = append(origin, midOrigin[i])
		}
		lo = hi + 1
	}

	a, b := 0, len(out)
	for a < b && out[a] == '\n' {
		a++
	}
	for b > a && out[b-1] == '\n' {
		b--
	}
	return string(out[a:b]), origin[a:b]
}

func isSpaceOrTab(c byte) bool { return c == ' ' || c == '\t' }

func isBlank(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\v', '\f':
		return true
	}
	return false
}

// Split cuts s into spans of at most MaxChunkSize words. Adjacent spans share
// Overlap words. Cuts prefer paragraph breaks, then sentence ends, and fall
// back to a hard cut at the size limit.
//
// Every byte of s belongs to at least one span, so Reconstruct over the
// resulting chunks yields s.
func Split(s string, opts Options) ([]Span, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	words := scanWords(s)
	if len(words) == 0 {
		return nil, apperr.ErrEmptyDocument
	}

	n := len(words)
	maxWords, overlap := opts.MaxChunkSize, opts.Overlap

	minFill := maxWords / 2
	if minFill <= overlap {
		minFill = overlap + 1
	}

	var spans []Span
	prevEnd := 0
	for st := 0; ; {
		start := 0
		if len(spans) > 0 {
			start = min(words[st].start, prevEnd)
		}

		if n-st <= maxWords {
			spans = append(spans, Span{Start: start, End: len(s), Words: n - st})
			return spans, nil
		}

		cut := st + maxWords
		if c, ok := bestCut(s, words, st+minFill, st+maxWords); ok {
			cut = c
		}

		end := words[cut-1].end
		spans = append(spans, Span{Start: start, End: end, Words: cut - st})
		prevEnd = end
		st = cut - overlap
	}
}

// bestCut finds the strongest boundary with lo <= cut <= hi, preferring the
// latest cut among equally strong ones.
func bestCut(s string, words []word, lo, hi int) (int, bool) {
	best, bestStrength := -1, BoundaryWhitespace
	for c := hi; c >= lo; c-- {
		b := boundaryBefore(s, words, c)
		if b > bestStrength {
			best, bestStrength = c, b
			if b == BoundaryParagraph {
				break
			}
		}
	}
	return best, best > 0
}

func boundaryBefore(s string, words []word, i int) Boundary {
	if i <= 0 || i >= len(words) {
		return BoundaryWhitespace
	}
	gap := s[words[i-1].end:words[i].start]
	if strings.Count(gap, "\n") >= 2 {
		return BoundaryParagraph
	}
	if endsSentence(s[words[i-1].start:words[i-1].end]) {
		return BoundarySentence
	}
	return BoundaryWhitespace
}

func endsSentence(w string) bool {
	w = strings.TrimRight(w, `"')]}»”’`)
	if w == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(w)
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func scanWords(s string) []word {
	var words []word
	inWord := false
	start := 0
	for i, r := range s {
		if unicode.IsSpace(r) {
			if inWord {
				words = append(words, word{start: start, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			start = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, word{start: start, end: len(s)})
	}
	return words
}

// Chunk splits a document into sequenced chunks carrying their offsets and
// the transcript time they start at.
func Chunk(doc corpus.Document, opts Options) ([]corpus.Chunk, error) {
	spans, err := Split(doc.RawText, opts)
	if err != nil {
		return nil, fmt.Errorf("chunk %s: %w", doc.ID, err)
	}

	chunks := make([]corpus.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = corpus.Chunk{
			DocumentID:    doc.ID,
			SequenceIndex: i,
			Text:          doc.RawText[sp.Start:sp.End],
			StartOffset:   sp.Start,
			StartTime:     doc.TimeAt(firstWordOffset(doc.RawText, sp.Start)),
			URL:           doc.URL,
		}
		if doc.Title != "" {
			chunks[i].Metadata = map[string]string{"title": doc.Title}
		}
	}
	return chunks, nil
}

func firstWordOffset(s string, from int) int {
	i := strings.IndexFunc(s[from:], func(r rune) bool { return !unicode.IsSpace(r) })
	if i < 0 {
		return from
	}
	return from + i
}

// Reconstruct concatenates chunks of one document in sequence order, dropping
// the bytes each chunk shares with its predecessor.
func Reconstruct(chunks []corpus.Chunk) (string, error) {
	var b strings.Builder
	covered := 0
	for i, c := range chunks {
		if i > 0 && c.SequenceIndex != chunks[i-1].SequenceIndex+1 {
			return "", fmt.Errorf("chunk %s out of sequence", c.ID())
		}
		if c.StartOffset > covered {
			return "", fmt.Errorf("gap before chunk %s at offset %d", c.ID(), covered)
		}
		skip := covered - c.StartOffset
		if skip >= len(c.Text) {
			continue
		}
		b.WriteString(c.Text[skip:])
		covered = c.EndOffset()
	}
	return b.String(), nil
}
