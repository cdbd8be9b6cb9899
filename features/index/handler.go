package index

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

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
	Info(ctx context.Context, id string) (engine.Info, error)
	List() ([]string, error)
	Snapshot(ctx context.Context, id string) error
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Handler struct {
	engine  Engine
	source  ingest.TranscriptSource
	pub     EventPublisher
	maxBody int64
}

// NewHandler wires the index routes. pub may be nil when asynchronous
// ingestion is disabled.
func NewHandler(e Engine, src ingest.TranscriptSource, pub EventPublisher) *Handler {
	return &Handler{engine: e, source: src, pub: pub, maxBody: 32 << 20}
}

type createRequest struct {
	ID string `json:"id"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid JSON", http.StatusBadRequest)
			return
		}
	}

	handle, err := h.engine.Create(ctx, req.ID)
	if err != nil {
		h.fail(ctx, w, "failed to create index", err)
		return
	}
	slog.InfoContext(ctx, "index created", "index_id", handle.ID)
	h.writeJSON(ctx, w, http.StatusCreated, handle)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := h.engine.List()
	if err != nil {
		h.fail(ctx, w, "failed to list indexes", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	h.writeJSON(ctx, w, http.StatusOK, ids)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	info, err := h.engine.Info(ctx, r.PathValue("id"))
	if err != nil {
		h.fail(ctx, w, "failed to get index", err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, info)
}

func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := h.engine.Snapshot(ctx, id); err != nil {
		h.fail(ctx, w, "failed to snapshot index", err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]string{"id": id, "status": "saved"})
}

// AddDocuments ingests documents into an index. With ?async=true the
// request is queued and 202 is returned.
func (h *Handler) AddDocuments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	var req ingest.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeError(ctx, w, "VALIDATION_ERROR", "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.IndexID = id
	if err := req.Validate(); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	if r.URL.Query().Get("async") == "true" {
		h.enqueue(ctx, w, req)
		return
	}

	docs, err := ingest.Resolve(ctx, h.source, req.Documents)
	if err != nil {
		h.fail(ctx, w, "failed to resolve documents", err)
		return
	}
	handle, err := h.engine.IngestInto(ctx, id, docs)
	if err != nil {
		h.fail(ctx, w, "failed to ingest documents", err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, handle)
}

func (h *Handler) enqueue(ctx context.Context, w http.ResponseWriter, req ingest.Request) {
	if h.pub == nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "asynchronous ingestion is disabled", http.StatusBadRequest)
		return
	}
	req.CorrelationID = middleware.GetCorrelationID(ctx)
	body, err := json.Marshal(req)
	if err != nil {
		h.fail(ctx, w, "failed to encode ingestion request", err)
		return
	}
	if err := h.pub.Publish(config.TopicIngestDocument, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish ingestion request", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to queue documents", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "ingestion queued", "index_id", req.IndexID, "documents", len(req.Documents))
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"index_id": req.IndexID, "queued": len(req.Documents)})
}

func (h *Handler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, msg, "error", err)
	} else {
		slog.WarnContext(ctx, msg, "error", err)
	}
	h.writeError(ctx, w, apperr.Code(err), err.Error(), status)
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
