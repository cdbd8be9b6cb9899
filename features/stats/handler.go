package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"tubeqa/internal/middleware"
)

type IndexLister interface {
	List() ([]string, error)
}

type Counter interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	indexes   IndexLister
	documents Counter
	jobs      Counter
}

// NewHandler builds the stats handler. documents and jobs may be nil when
// Postgres is disabled; their counts are then reported as zero.
func NewHandler(indexes IndexLister, documents, jobs Counter) *Handler {
	return &Handler{indexes: indexes, documents: documents, jobs: jobs}
}

type StatsResponse struct {
	Indexes    int `json:"indexes"`
	Documents  int `json:"documents"`
	FailedJobs int `json:"failed_jobs"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	slog.InfoContext(ctx, "getting stats")

	ids, err := h.indexes.List()
	if err != nil {
		slog.ErrorContext(ctx, "failed to list indexes", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count indexes", http.StatusInternalServerError)
		return
	}

	dCount, err := count(ctx, h.documents)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count documents", http.StatusInternalServerError)
		return
	}

	jCount, err := count(ctx, h.jobs)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count jobs", http.StatusInternalServerError)
		return
	}

	resp := StatsResponse{
		Indexes:    len(ids),
		Documents:  dCount,
		FailedJobs: jCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func count(ctx context.Context, c Counter) (int, error) {
	if c == nil {
		return 0, nil
	}
	return c.Count(ctx)
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
