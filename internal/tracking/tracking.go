// Package tracking records evaluation runs: their parameters, per-step
// metrics and report artifacts.
package tracking

import (
	"context"
	"time"
)

type Run struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
}

type Sink interface {
	StartRun(ctx context.Context, name string) (Run, error)
	RecordParams(ctx context.Context, runID string, params map[string]string) error
	RecordMetric(ctx context.Context, runID, name string, value float64, step int) error
	RecordArtifact(ctx context.Context, runID, name string, blob []byte) error
	EndRun(ctx context.Context, runID, status string) error
}

const (
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Nop discards everything.
type Nop struct{}

func (Nop) StartRun(ctx context.Context, name string) (Run, error) {
	return Run{ID: newRunID(), Name: name, StartedAt: time.Now().UTC()}, nil
}

func (Nop) RecordParams(context.Context, string, map[string]string) error    { return nil }
func (Nop) RecordMetric(context.Context, string, string, float64, int) error { return nil }
func (Nop) RecordArtifact(context.Context, string, string, []byte) error     { return nil }
func (Nop) EndRun(context.Context, string, string) error                     { return nil }
