// Package worker consumes asynchronous ingestion messages.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"tubeqa/features/job"
	"tubeqa/internal/apperr"
	"tubeqa/internal/config"
	"tubeqa/internal/corpus"
	"tubeqa/internal/engine"
	"tubeqa/internal/ingest"
	"tubeqa/internal/middleware"
)

type Engine interface {
	Create(ctx context.Context, id string) (engine.Handle, error)
	IngestInto(ctx context.Context, id string, docs []corpus.Document) (engine.Handle, error)
	Snapshot(ctx context.Context, id string) error
}

type FailedJobSaver interface {
	Save(ctx context.Context, j *job.Job) error
}

type IngestConsumer struct {
	engine      Engine
	source      ingest.TranscriptSource
	jobs        FailedJobSaver
	maxAttempts uint16
	timeout     time.Duration
}

// NewIngestConsumer builds the consumer. jobs may be nil, in which case
// permanently failed messages are only logged.
func NewIngestConsumer(e Engine, src ingest.TranscriptSource, jobs FailedJobSaver, maxAttempts uint16) *IngestConsumer {
	if maxAttempts == 0 {
		maxAttempts = 5
	}
	return &IngestConsumer{
		engine:      e,
		source:      src,
		jobs:        jobs,
		maxAttempts: maxAttempts,
		timeout:     10 * time.Minute,
	}
}

func (h *IngestConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var req ingest.Request
	if err := json.Unmarshal(m.Body, &req); err != nil {
		// Poison pill: invalid JSON is never retried.
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	if req.IndexID == "" {
		slog.ErrorContext(ctx, "missing index id, dropping")
		return nil
	}

	err := h.ingest(ctx, req)
	if err == nil {
		return nil
	}

	if apperr.Transient(err) && m.Attempts < h.maxAttempts {
		slog.WarnContext(ctx, "ingestion failed, requeueing", "index_id", req.IndexID, "attempt", m.Attempts, "error", err)
		return err
	}

	slog.ErrorContext(ctx, "ingestion failed", "index_id", req.IndexID, "attempt", m.Attempts, "error", err)
	h.saveFailed(ctx, req.IndexID, m, err)
	return nil
}

func (h *IngestConsumer) ingest(ctx context.Context, req ingest.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	docs, err := ingest.Resolve(ctx, h.source, req.Documents)
	if err != nil {
		return err
	}

	res, err := h.engine.IngestInto(ctx, req.IndexID, docs)
	if errors.Is(err, apperr.ErrNotFound) {
		if _, err = h.engine.Create(ctx, req.IndexID); err != nil {
			return err
		}
		res, err = h.engine.IngestInto(ctx, req.IndexID, docs)
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "documents ingested", "index_id", res.ID, "documents", res.Documents, "chunks", res.Chunks)

	if err := h.engine.Snapshot(ctx, req.IndexID); err != nil && !errors.Is(err, apperr.ErrInvalidConfig) {
		slog.WarnContext(ctx, "failed to snapshot index", "index_id", req.IndexID, "error", err)
	}
	return nil
}

func (h *IngestConsumer) saveFailed(ctx context.Context, indexID string, m *nsq.Message, cause error) {
	if h.jobs == nil {
		return
	}
	failed := &job.Job{
		IndexID: indexID,
		Topic:   config.TopicIngestDocument,
		Payload: json.RawMessage(m.Body),
		Error:   cause.Error(),
		Retries: int(m.Attempts),
	}
	if err := h.jobs.Save(ctx, failed); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	slog.InfoContext(ctx, "saved failed job for retry", "job_id", failed.ID)
}
