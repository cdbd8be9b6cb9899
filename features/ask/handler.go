package ask

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/middleware"
	"tubeqa/internal/validate"
)

type Engine interface {
	Ask(ctx context.Context, id, question string, cfg *answer.Config) (*answer.Answer, error)
	MonitorRequest(ctx context.Context, id, question, reference string) (*answer.Answer, error)
	Config() answer.Config
}

type Handler struct {
	engine Engine
}

func NewHandler(e Engine) *Handler {
	return &Handler{engine: e}
}

type Request struct {
	Question  string `json:"question" validate:"required"`
	Reference string `json:"reference,omitempty"`
	// Config overrides fields of the default answering configuration.
	Config json.RawMessage `json:"config,omitempty"`
}

// Ask answers a question against an index. Only requests on the default
// configuration are recorded by the monitor.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	var (
		ans *answer.Answer
		err error
	)
	if len(req.Config) > 0 {
		cfg := h.engine.Config()
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		ans, err = h.engine.Ask(ctx, id, req.Question, &cfg)
	} else {
		ans, err = h.engine.MonitorRequest(ctx, id, req.Question, req.Reference)
	}
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status >= http.StatusInternalServerError {
			slog.ErrorContext(ctx, "ask failed", "index_id", id, "error", err)
		} else {
			slog.WarnContext(ctx, "ask rejected", "index_id", id, "error", err)
		}
		h.writeError(ctx, w, apperr.Code(err), err.Error(), status)
		return
	}

	slog.InfoContext(ctx, "question answered",
		"index_id", id, "cited", len(ans.CitedChunks), "attempts", ans.Attempts, "latency", ans.Latency)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": ans}); err != nil {
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
