package retrieval

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryLogger_ThreadSafety(t *testing.T) {
	var buf bytes.Buffer
	logger := NewQueryLogger(&buf)

	concurrency := 50
	iterations := 100
	var wg sync.WaitGroup

	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				logger.Log(QueryLogEntry{
					Query:    "test",
					Duration: time.Millisecond,
				})
			}
		}()
	}
	wg.Wait()

	decoder := json.NewDecoder(&buf)
	count := 0
	for decoder.More() {
		var entry QueryLogEntry
		if err := decoder.Decode(&entry); err != nil {
			t.Fatalf("Failed to decode entry %d: %v", count, err)
		}
		count++
	}
	assert.Equal(t, concurrency*iterations, count)
}

func TestFileQueryLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "queries.jsonl")
	logger, err := NewFileQueryLogger(path)
	require.NoError(t, err)

	logger.Log(QueryLogEntry{Query: "a", Duration: 3 * time.Millisecond})
	logger.Log(QueryLogEntry{Query: "b"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var first QueryLogEntry
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&first))
	assert.Equal(t, "a", first.Query)
	assert.EqualValues(t, 3, first.LatencyMs)
	assert.Equal(t, 2, bytes.Count(data, []byte("\n")))
}
