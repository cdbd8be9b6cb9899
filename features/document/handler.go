package document

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"tubeqa/internal/corpus"
	"tubeqa/internal/middleware"
)

type Lister interface {
	ListDocuments(ctx context.Context, indexID string) ([]corpus.Document, error)
}

type Handler struct {
	repo Lister
}

func NewHandler(repo Lister) *Handler {
	return &Handler{repo: repo}
}

// Summary is a retained document without its text.
type Summary struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Words       int    `json:"words"`
	ContentHash string `json:"content_hash"`
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexID := r.PathValue("id")

	docs, err := h.repo.ListDocuments(ctx, indexID)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list documents", "index_id", indexID, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to list documents", http.StatusInternalServerError)
		return
	}

	out := make([]Summary, len(docs))
	for i, d := range docs {
		out[i] = Summary{
			ID:          d.ID,
			URL:         d.URL,
			Title:       d.Title,
			Words:       len(strings.Fields(d.RawText)),
			ContentHash: d.ContentHash(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": out,
		"meta": map[string]int{"count": len(out)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
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
