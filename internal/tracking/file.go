package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

func newRunID() string {
	return uuid.New().String()
}

// FileSink lays each run out under dir/<run id>/: run.json, params.json,
// metrics.jsonl and artifacts/.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &FileSink{dir: dir}, nil
}

type metricLine struct {
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *FileSink) runDir(runID string) (string, error) {
	if runID == "" || filepath.Base(runID) != runID {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID), nil
}

func (s *FileSink) StartRun(ctx context.Context, name string) (Run, error) {
	run := Run{ID: newRunID(), Name: name, StartedAt: time.Now().UTC()}
	dir, _ := s.runDir(run.ID)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o750); err != nil {
		return Run{}, err
	}
	return run, writeJSON(filepath.Join(dir, "run.json"), run)
}

func (s *FileSink) RecordParams(ctx context.Context, runID string, params map[string]string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "params.json"), params)
}

func (s *FileSink) RecordMetric(ctx context.Context, runID, name string, value float64, step int) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(dir, "metrics.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(metricLine{Name: name, Value: value, Step: step, Timestamp: time.Now().UTC()})
}

func (s *FileSink) RecordArtifact(ctx context.Context, runID, name string, blob []byte) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return os.WriteFile(filepath.Join(dir, "artifacts", name), blob, 0o600)
}

func (s *FileSink) EndRun(ctx context.Context, runID, status string) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "status.json"), map[string]interface{}{
		"status":   status,
		"ended_at": time.Now().UTC(),
	})
}

func writeJSON(path string, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
