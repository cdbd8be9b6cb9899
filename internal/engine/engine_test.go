package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeqa/internal/adapter/hashembed"
	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/engine"
	"tubeqa/internal/eval"
	"tubeqa/internal/ingest"
	"tubeqa/internal/llm"
	"tubeqa/internal/monitor"
	"tubeqa/internal/text"
	"tubeqa/internal/vector"
)

type echoGenerator struct{}

// Generate answers with the first excerpt of the prompt.
func (echoGenerator) Generate(ctx context.Context, prompt string, p llm.Params) (string, error) {
	for _, line := range strings.Split(prompt, "\n") {
		if strings.HasPrefix(line, "[1] ") {
			return strings.TrimPrefix(line, "[1] "), nil
		}
	}
	return "I do not know", nil
}

type memDocs struct {
	mu   sync.Mutex
	docs map[string][]corpus.Document
}

func (m *memDocs) SaveDocuments(ctx context.Context, indexID string, docs []corpus.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = map[string][]corpus.Document{}
	}
	m.docs[indexID] = append(m.docs[indexID], docs...)
	return nil
}

func (m *memDocs) ListDocuments(ctx context.Context, indexID string) ([]corpus.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[indexID], nil
}

func newEngine(t *testing.T, dir string, docs engine.DocumentStore, mon *monitor.Monitor) *engine.Engine {
	t.Helper()
	store, err := vector.NewFileStore(dir)
	require.NoError(t, err)

	cfg := answer.DefaultConfig()
	cfg.TopK = 2
	cfg.Backoff = time.Millisecond

	e, err := engine.New(engine.Deps{
		Embedder:  hashembed.New(64),
		Generator: echoGenerator{},
		Snapshots: store,
		Documents: docs,
		Monitor:   mon,
	}, engine.Options{
		Answer: cfg,
		Ingest: ingest.Options{Chunking: text.Options{MaxChunkSize: 3, Overlap: 1}},
	})
	require.NoError(t, err)
	return e
}

var letters = []corpus.Document{{ID: "letters", URL: "https://www.youtube.com/watch?v=abc", RawText: "A B C D E F G H"}}

func TestEngine_IngestAndAsk(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), nil, nil)

	h, err := e.Ingest(ctx, letters)
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, 4, h.Chunks)

	ans, err := e.Ask(ctx, h.ID, "C D E", nil)
	require.NoError(t, err)
	require.NotEmpty(t, ans.CitedChunks)
	assert.Equal(t, "letters#1", ans.CitedChunks[0].ChunkID)
	assert.Equal(t, "C D E", ans.Text)
	assert.LessOrEqual(t, len(ans.CitedChunks), 2)

	info, err := e.Info(ctx, h.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.Info{ID: h.ID, Backend: "memory", Chunks: 4, Documents: 1, Dimension: 64}, info)
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), nil, nil)

	_, err := e.Ask(ctx, "missing", "anything", nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	h, err := e.Create(ctx, "empty")
	require.NoError(t, err)
	_, err = e.Ask(ctx, h.ID, "anything", nil)
	assert.ErrorIs(t, err, apperr.ErrIndexEmpty)

	_, err = e.Create(ctx, "empty")
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	_, err = e.IngestInto(ctx, h.ID, nil)
	assert.ErrorIs(t, err, apperr.ErrEmptyDocument)

	bad := answer.DefaultConfig()
	bad.Attempts = 0
	_, err = e.Ask(ctx, h.ID, "anything", &bad)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
}

func TestEngine_SnapshotAndOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newEngine(t, dir, nil, nil)
	h, err := first.Ingest(ctx, letters)
	require.NoError(t, err)
	require.NoError(t, first.Snapshot(ctx, h.ID))
	want, err := first.Ask(ctx, h.ID, "E F G", nil)
	require.NoError(t, err)

	second := newEngine(t, dir, nil, nil)
	ids, err := second.List()
	require.NoError(t, err)
	assert.Equal(t, []string{h.ID}, ids)

	got, err := second.Ask(ctx, h.ID, "E F G", nil)
	require.NoError(t, err)
	assert.Equal(t, want.Text, got.Text)
	assert.Equal(t, want.CitedChunks, got.CitedChunks)
}

func TestEngine_RebuildsCorruptIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	docs := &memDocs{}

	first := newEngine(t, dir, docs, nil)
	h, err := first.Ingest(ctx, letters)
	require.NoError(t, err)
	require.NoError(t, first.Snapshot(ctx, h.ID))

	path := filepath.Join(dir, h.ID+".snapshot.json.gz")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o600))

	t.Run("Without Retained Documents", func(t *testing.T) {
		_, err := newEngine(t, dir, nil, nil).Open(ctx, h.ID)
		assert.ErrorIs(t, err, apperr.ErrIndexCorruption)
	})

	t.Run("With Retained Documents", func(t *testing.T) {
		e := newEngine(t, dir, docs, nil)
		rebuilt, err := e.Open(ctx, h.ID)
		require.NoError(t, err)
		assert.Equal(t, 4, rebuilt.Chunks)

		ans, err := e.Ask(ctx, h.ID, "C D E", nil)
		require.NoError(t, err)
		assert.Equal(t, "letters#1", ans.CitedChunks[0].ChunkID)

		// the rebuilt index was written back
		_, err = newEngine(t, dir, nil, nil).Open(ctx, h.ID)
		assert.NoError(t, err)
	})
}

func TestEngine_CreateRejectsStoredIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := newEngine(t, dir, nil, nil)
	_, err := first.Create(ctx, "talks")
	require.NoError(t, err)
	_, err = first.IngestInto(ctx, "talks", letters)
	require.NoError(t, err)
	require.NoError(t, first.Snapshot(ctx, "talks"))

	second := newEngine(t, dir, nil, nil)
	_, err = second.Create(ctx, "talks")
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	info, err := second.Info(ctx, "talks")
	require.NoError(t, err)
	assert.Equal(t, 4, info.Chunks)

	t.Run("Retained Documents Only", func(t *testing.T) {
		docs := &memDocs{}
		require.NoError(t, docs.SaveDocuments(ctx, "kept", letters))
		_, err := newEngine(t, t.TempDir(), docs, nil).Create(ctx, "kept")
		assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
	})
}

func TestEngine_FailedIngestLeavesNoState(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), nil, nil)

	dup := []corpus.Document{
		{ID: "a", RawText: "A B C D"},
		{ID: "a", RawText: "E F G H"},
	}
	_, err := e.Ingest(ctx, dup)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	_, err = e.Ingest(ctx, nil)
	assert.ErrorIs(t, err, apperr.ErrEmptyDocument)

	ids, err := e.List()
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = e.Create(ctx, "talks")
	require.NoError(t, err)
	_, err = e.IngestInto(ctx, "talks", dup)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)
	info, err := e.Info(ctx, "talks")
	require.NoError(t, err)
	assert.Zero(t, info.Chunks)

	h, err := e.IngestInto(ctx, "talks", dup[:1])
	require.NoError(t, err)
	assert.Equal(t, 2, h.Chunks)
}

func TestEngine_Evaluate(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, t.TempDir(), nil, nil)
	h, err := e.Ingest(ctx, letters)
	require.NoError(t, err)

	_, err = e.Evaluate(ctx, h.ID, nil, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidConfig)

	report, err := e.Evaluate(ctx, h.ID, []eval.Sample{
		{ID: "s1", Question: "C D E", ExpectedAnswer: "C D E", GoldContext: []string{"C D E"}},
		{ID: "s2", Question: "G H", ExpectedAnswer: "G H"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, report.Samples, 2)
	assert.InDelta(t, 1.0, report.Means[eval.MetricRougeLF], 1e-9)
	assert.Equal(t, 2, report.Config.TopK)
}

func TestEngine_MonitorRequest(t *testing.T) {
	ctx := context.Background()
	mon := monitor.New(monitor.Options{Window: 5})
	require.NoError(t, mon.Start(ctx))

	e := newEngine(t, t.TempDir(), nil, mon)
	h, err := e.Ingest(ctx, letters)
	require.NoError(t, err)

	ans, err := e.MonitorRequest(ctx, h.ID, "C D E", "C D E")
	require.NoError(t, err)
	assert.Equal(t, "C D E", ans.Text)

	mon.Stop()
	snap := e.Monitor().Snapshot()
	assert.Equal(t, 1, snap[monitor.MetricLatencyMs].Count)
	assert.InDelta(t, 1.0, snap[monitor.MetricRougeLF].Mean, 1e-9)
}

type topKDefaults int

func (k topKDefaults) Defaults(ctx context.Context, base answer.Config) answer.Config {
	base.TopK = int(k)
	return base
}

func TestEngine_RuntimeDefaults(t *testing.T) {
	ctx := context.Background()
	e, err := engine.New(engine.Deps{
		Embedder:  hashembed.New(64),
		Generator: echoGenerator{},
		Defaults:  topKDefaults(1),
	}, engine.Options{
		Answer: answer.DefaultConfig(),
		Ingest: ingest.Options{Chunking: text.Options{MaxChunkSize: 3, Overlap: 1}},
	})
	require.NoError(t, err)

	h, err := e.Ingest(ctx, letters)
	require.NoError(t, err)

	ans, err := e.Ask(ctx, h.ID, "C D E", nil)
	require.NoError(t, err)
	assert.Len(t, ans.CitedChunks, 1)

	explicit := answer.DefaultConfig()
	explicit.TopK = 3
	ans, err = e.Ask(ctx, h.ID, "C D E", &explicit)
	require.NoError(t, err)
	assert.Len(t, ans.CitedChunks, 3)
}
