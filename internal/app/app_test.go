package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tubeqa/internal/app"
	"tubeqa/internal/config"
	"tubeqa/internal/corpus"
)

func fakeOpenAI(t *testing.T, answer string) *httptest.Server {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "cmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]interface{}{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]interface{}{"role": "assistant", "content": answer},
			}},
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(t *testing.T, openAIURL string) *config.Config {
	dir := t.TempDir()
	return &config.Config{
		IndexBackend:           "memory",
		SnapshotDir:            filepath.Join(dir, "indexes"),
		EmbeddingProvider:      "hash",
		GenerationProvider:     "openai",
		OpenAIAPIKey:           "test",
		OpenAIBaseURL:          openAIURL,
		GenerationModel:        "gpt-4o-mini",
		GenerationTemperature:  0.2,
		GenerationMaxTokens:    128,
		GenerationAttempts:     2,
		GenerationTimeout:      5 * time.Second,
		GenerationBackoff:      time.Millisecond,
		ChunkMaxWords:          3,
		ChunkOverlapWords:      1,
		RetrievalTopK:          2,
		ContextBudgetWords:     100,
		IngestionConcurrency:   2,
		IngestCleanTranscripts: true,
		EvalConcurrency:        2,
		EvalFaithfulness:       "embedding",
		TrackingDir:            filepath.Join(dir, "runs"),
		MonitorWindow:          10,
		MonitorQueue:           16,
		DriftDetector:          "mean_shift",
		DriftThreshold:         0.5,
		DriftInterval:          time.Minute,
		MetricsLogPath:         filepath.Join(dir, "logs", "metrics.jsonl"),
		QueryLogPath:           filepath.Join(dir, "logs", "query.log"),
	}
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, &buf))

	var resp map[string]interface{}
	if w.Body.Len() > 0 && w.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	}
	return w, resp
}

func TestNew_Routes(t *testing.T) {
	cfg := testConfig(t, fakeOpenAI(t, "C D E").URL)

	a, err := app.New(context.Background(), cfg, &app.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.Handler)
	require.NotNil(t, a.Engine)
	require.NotNil(t, a.Consumer)

	w, _ := do(t, a.Handler, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, a.Handler, http.MethodPost, "/indexes", map[string]string{"id": "letters"})
	require.Equal(t, http.StatusCreated, w.Code)

	w, resp := do(t, a.Handler, http.MethodPost, "/indexes/letters/documents", map[string]interface{}{
		"documents": []map[string]string{{"id": "letters", "text": "A B C D E F G H"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 4, resp["data"].(map[string]interface{})["chunks"])

	w, resp = do(t, a.Handler, http.MethodPost, "/indexes/letters/ask", map[string]string{"question": "C D E", "reference": "C D E"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := resp["data"].(map[string]interface{})
	assert.Equal(t, "C D E", data["text"])
	assert.NotEmpty(t, data["cited_chunks"])

	w, _ = do(t, a.Handler, http.MethodPost, "/indexes/letters/snapshot", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, resp = do(t, a.Handler, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, resp["data"].(map[string]interface{})["indexes"])

	w, _ = do(t, a.Handler, http.MethodGet, "/monitor", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = do(t, a.Handler, http.MethodPost, "/indexes/missing/ask", map[string]string{"question": "anything"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = do(t, a.Handler, http.MethodPost, "/indexes/letters/documents?async=true", map[string]interface{}{
		"documents": []map[string]string{{"text": "more"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApp_CloseFlushesMetrics(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, fakeOpenAI(t, "C D E").URL)

	a, err := app.New(ctx, cfg, &app.Dependencies{})
	require.NoError(t, err)

	_, err = a.Engine.Create(ctx, "letters")
	require.NoError(t, err)
	_, err = a.Engine.IngestInto(ctx, "letters", []corpus.Document{{ID: "letters", RawText: "A B C D E F G H"}})
	require.NoError(t, err)
	_, err = a.Engine.MonitorRequest(ctx, "letters", "C D E", "C D E")
	require.NoError(t, err)

	a.Close()

	raw, err := os.ReadFile(cfg.MetricsLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"metric_name":"latency_ms"`)
	assert.Contains(t, string(raw), `"metric_name":"rougeL_f"`)
}

func TestNew_PostgresRoutesDisabled(t *testing.T) {
	cfg := testConfig(t, fakeOpenAI(t, "x").URL)

	a, err := app.New(context.Background(), cfg, &app.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	for _, path := range []string{"/settings", "/jobs/failed", "/indexes/letters/documents"} {
		w, _ := do(t, a.Handler, http.MethodGet, path, nil)
		assert.NotEqual(t, http.StatusOK, w.Code, path)
	}
}

func TestNew_InvalidProvider(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.EmbeddingProvider = "bogus"

	_, err := app.New(context.Background(), cfg, &app.Dependencies{})
	assert.ErrorIs(t, err, config.ErrInvalid)

	cfg = testConfig(t, "")
	cfg.GenerationProvider = "gemini"
	_, err = app.New(context.Background(), cfg, &app.Dependencies{})
	assert.ErrorIs(t, err, config.ErrMissingRequired)
}

func TestAnswerConfig(t *testing.T) {
	cfg := testConfig(t, "")
	minScore := 0.1
	cfg.RetrievalMinScore = &minScore

	c := app.AnswerConfig(cfg)
	require.NoError(t, c.Validate())
	assert.Equal(t, "gpt-4o-mini", c.Model)
	assert.Equal(t, 2, c.TopK)
	assert.Equal(t, &minScore, c.MinScore)
	assert.Equal(t, 100, c.ContextBudget)

	o := app.IngestOptions(cfg)
	assert.Equal(t, 3, o.Chunking.MaxChunkSize)
	assert.Equal(t, 1, o.Chunking.Overlap)
	assert.True(t, o.Clean)
}
