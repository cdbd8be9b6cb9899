package vector

import (
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
)

// SnapshotVersion is bumped whenever the snapshot layout changes.
const SnapshotVersion = 1

type snapshot struct {
	Version   int             `json:"version"`
	IndexID   string          `json:"index_id"`
	Metric    Metric          `json:"metric"`
	Dimension int             `json:"dimension"`
	Count     int             `json:"count"`
	CreatedAt time.Time       `json:"created_at"`
	Checksum  string          `json:"checksum"`
	Chunks    json.RawMessage `json:"chunks"`
}

// Snapshot writes the durable form of the index: gzip compressed JSON with a
// checksum over the chunk records.
func (ix *Index) Snapshot(w io.Writer) error {
	st := ix.state.Load()
	chunks := make([]corpus.Chunk, len(st.entries))
	for i, e := range st.entries {
		chunks[i] = e.chunk
	}

	body, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("encode chunks: %w", err)
	}
	sum := sha256.Sum256(body)

	zw := gzip.NewWriter(w)
	err = json.NewEncoder(zw).Encode(snapshot{
		Version:   SnapshotVersion,
		IndexID:   ix.id,
		Metric:    ix.metric,
		Dimension: st.dim,
		Count:     len(chunks),
		CreatedAt: time.Now().UTC(),
		Checksum:  hex.EncodeToString(sum[:]),
		Chunks:    body,
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return zw.Close()
}

// Load restores an index from its durable form. Any decoding or validation
// failure is reported as ErrIndexCorruption.
func Load(r io.Reader) (*Index, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, corrupt("open snapshot: %v", err)
	}
	defer zr.Close()

	var snap snapshot
	if err := json.NewDecoder(zr).Decode(&snap); err != nil {
		return nil, corrupt("decode snapshot: %v", err)
	}
	if snap.Version != SnapshotVersion {
		return nil, corrupt("unsupported snapshot version %d", snap.Version)
	}
	if _, err := ParseMetric(string(snap.Metric)); err != nil {
		return nil, corrupt("%v", err)
	}

	sum := sha256.Sum256(snap.Chunks)
	if hex.EncodeToString(sum[:]) != snap.Checksum {
		return nil, corrupt("checksum mismatch for index %s", snap.IndexID)
	}

	var chunks []corpus.Chunk
	if err := json.Unmarshal(snap.Chunks, &chunks); err != nil {
		return nil, corrupt("decode chunks: %v", err)
	}
	if len(chunks) != snap.Count {
		return nil, corrupt("expected %d chunks, found %d", snap.Count, len(chunks))
	}

	ix := NewIndex(snap.IndexID, snap.Metric)
	if len(chunks) == 0 {
		return ix, nil
	}
	if len(chunks[0].Embedding) != snap.Dimension {
		return nil, corrupt("dimension %d does not match header %d", len(chunks[0].Embedding), snap.Dimension)
	}
	if err := ix.Replace(chunks); err != nil {
		return nil, corrupt("%v", err)
	}
	return ix, nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrIndexCorruption, fmt.Sprintf(format, args...))
}
