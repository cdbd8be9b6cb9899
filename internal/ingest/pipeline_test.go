package ingest_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeqa/internal/adapter/hashembed"
	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/ingest"
	"tubeqa/internal/text"
	"tubeqa/internal/vector"
)

type flakyEmbedder struct {
	inner    *hashembed.Embedder
	failures int32
	calls    atomic.Int32
	err      error
}

func (e *flakyEmbedder) Embed(ctx context.Context, s string) ([]float32, error) {
	if e.calls.Add(1) <= e.failures {
		return nil, e.err
	}
	return e.inner.Embed(ctx, s)
}

type recordingIndex struct {
	mu   sync.Mutex
	docs []string
}

func (r *recordingIndex) Add(ctx context.Context, chunks ...corpus.Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range chunks {
		if n := len(r.docs); n == 0 || r.docs[n-1] != c.DocumentID {
			r.docs = append(r.docs, c.DocumentID)
		}
	}
	return nil
}

func options() ingest.Options {
	return ingest.Options{
		Chunking:    text.Options{MaxChunkSize: 3, Overlap: 1},
		Concurrency: 3,
		Backoff:     time.Millisecond,
	}
}

func docs(n int) []corpus.Document {
	out := make([]corpus.Document, n)
	for i := range out {
		out[i] = corpus.Document{
			ID:      string(rune('a' + i)),
			URL:     "https://www.youtube.com/watch?v=" + string(rune('a'+i)),
			RawText: "A B C D E F G H",
		}
	}
	return out
}

func TestPipeline_Run(t *testing.T) {
	ctx := context.Background()
	p, err := ingest.NewPipeline(hashembed.New(32), options())
	require.NoError(t, err)

	ix := vector.NewIndex("ix", vector.MetricCosine)
	res, err := p.Run(ctx, ix, docs(5))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Documents)
	assert.Equal(t, 20, res.Chunks)
	assert.Equal(t, 20, ix.Len())
	assert.Equal(t, 32, ix.Dimension())
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ix.DocumentIDs())

	var texts []string
	for _, c := range ix.Chunks() {
		if c.DocumentID == "a" {
			texts = append(texts, c.Text)
		}
	}
	assert.Equal(t, []string{"A B C", "C D E", "E F G", "G H"}, texts)
}

func TestPipeline_DeterministicOrder(t *testing.T) {
	p, err := ingest.NewPipeline(hashembed.New(8), options())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ix := &recordingIndex{}
		_, err := p.Run(context.Background(), ix, docs(8))
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d", "e", "f", "g", "h"}, ix.docs)
	}
}

func TestPipeline_FailedAddLeavesIndexUnchanged(t *testing.T) {
	p, err := ingest.NewPipeline(hashembed.New(8), options())
	require.NoError(t, err)

	ix := vector.NewIndex("ix", vector.MetricCosine)
	in := docs(2)
	in[1].ID = in[0].ID

	_, err = p.Run(context.Background(), ix, in)
	assert.ErrorIs(t, err, apperr.ErrDuplicateChunk)
	assert.Zero(t, ix.Len())
}

func TestPipeline_CleanKeepsStartTimes(t *testing.T) {
	opts := options()
	opts.Chunking = text.DefaultOptions()
	opts.Clean = true
	p, err := ingest.NewPipeline(hashembed.New(8), opts)
	require.NoError(t, err)

	doc := corpus.DocumentFromSegments("v", "https://www.youtube.com/watch?v=v", []corpus.Segment{
		{Text: "[Music]", Start: 0, Duration: time.Second},
		{Text: "welcome back", Start: 3 * time.Second, Duration: time.Second},
	})
	prepared, err := p.Prepare(context.Background(), []corpus.Document{doc})
	require.NoError(t, err)
	require.Len(t, prepared[0], 1)
	assert.Equal(t, "welcome back", prepared[0][0].Text)
	assert.Equal(t, 3*time.Second, prepared[0][0].StartTime)
}

func TestPipeline_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("Invalid Chunking", func(t *testing.T) {
		_, err := ingest.NewPipeline(hashembed.New(8), ingest.Options{Chunking: text.Options{MaxChunkSize: 2, Overlap: 2}})
		assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
	})

	t.Run("Empty Document", func(t *testing.T) {
		p, err := ingest.NewPipeline(hashembed.New(8), options())
		require.NoError(t, err)
		_, err = p.Run(ctx, &recordingIndex{}, []corpus.Document{{ID: "x", RawText: "  \n "}})
		assert.ErrorIs(t, err, apperr.ErrEmptyDocument)
	})

	t.Run("Rate Limit Is Retried", func(t *testing.T) {
		e := &flakyEmbedder{inner: hashembed.New(8), failures: 2, err: apperr.ErrRateLimited}
		opts := options()
		opts.Concurrency = 1
		p, err := ingest.NewPipeline(e, opts)
		require.NoError(t, err)

		res, err := p.Run(ctx, &recordingIndex{}, docs(1))
		require.NoError(t, err)
		assert.Equal(t, 4, res.Chunks)
	})

	t.Run("Permanent Failure Is Not Retried", func(t *testing.T) {
		e := &flakyEmbedder{inner: hashembed.New(8), failures: 100, err: errors.New("bad key")}
		opts := options()
		opts.Concurrency = 1
		p, err := ingest.NewPipeline(e, opts)
		require.NoError(t, err)

		_, err = p.Run(ctx, &recordingIndex{}, docs(1))
		assert.ErrorIs(t, err, apperr.ErrEmbeddingFailed)
		assert.Equal(t, int32(1), e.calls.Load())
	})

	t.Run("Retries Exhausted", func(t *testing.T) {
		e := &flakyEmbedder{inner: hashembed.New(8), failures: 100, err: apperr.ErrTimeout}
		opts := options()
		opts.Concurrency = 1
		opts.Attempts = 3
		p, err := ingest.NewPipeline(e, opts)
		require.NoError(t, err)

		_, err = p.Run(ctx, &recordingIndex{}, docs(1))
		assert.ErrorIs(t, err, apperr.ErrEmbeddingFailed)
		assert.ErrorIs(t, err, apperr.ErrTimeout)
		assert.Equal(t, int32(3), e.calls.Load())
	})
}

func TestPipeline_CleanTranscripts(t *testing.T) {
	opts := options()
	opts.Chunking = text.DefaultOptions()
	opts.Clean = true
	p, err := ingest.NewPipeline(hashembed.New(8), opts)
	require.NoError(t, err)

	prepared, err := p.Prepare(context.Background(), []corpus.Document{{ID: "v", RawText: "[Music] hello   there [Applause] friends"}})
	require.NoError(t, err)
	require.Len(t, prepared[0], 1)
	assert.False(t, strings.Contains(prepared[0][0].Text, "[Music]"))
	assert.Contains(t, prepared[0][0].Text, "hello")
}
