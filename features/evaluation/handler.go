package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/eval"
	"tubeqa/internal/middleware"
	"tubeqa/internal/validate"
)

type Engine interface {
	Evaluate(ctx context.Context, id string, samples []eval.Sample, cfg *answer.Config) (*eval.Report, error)
	Config() answer.Config
}

type Handler struct {
	engine Engine
}

func NewHandler(e Engine) *Handler {
	return &Handler{engine: e}
}

type Request struct {
	Samples []eval.Sample   `json:"samples" validate:"required,min=1"`
	Config  json.RawMessage `json:"config,omitempty"`
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Run evaluates a sample set against an index. ?format=csv or xlsx returns
// the report as a file, anything else as JSON.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	format := r.URL.Query().Get("format")

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	var cfg *answer.Config
	if len(req.Config) > 0 {
		c := h.engine.Config()
		if err := json.Unmarshal(req.Config, &c); err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid config: "+err.Error(), http.StatusBadRequest)
			return
		}
		cfg = &c
	}

	report, err := h.engine.Evaluate(ctx, id, req.Samples, cfg)
	if err != nil {
		slog.ErrorContext(ctx, "evaluation failed", "index_id", id, "error", err)
		h.writeError(ctx, w, apperr.Code(err), err.Error(), apperr.HTTPStatus(err))
		return
	}
	slog.InfoContext(ctx, "evaluation finished",
		"index_id", id, "run_id", report.RunID, "samples", len(report.Samples), "failed", report.Failed)

	switch format {
	case "csv":
		h.writeFile(ctx, w, report, "text/csv", "csv", eval.WriteCSV)
	case "xlsx":
		h.writeFile(ctx, w, report, xlsxContentType, "xlsx", eval.WriteXLSX)
	default:
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": report}); err != nil {
			slog.ErrorContext(ctx, "failed to encode response", "error", err)
		}
	}
}

func (h *Handler) writeFile(ctx context.Context, w http.ResponseWriter, report *eval.Report, contentType, ext string, write func(io.Writer, *eval.Report) error) {
	var buf bytes.Buffer
	if err := write(&buf, report); err != nil {
		slog.ErrorContext(ctx, "failed to render report", "format", ext, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to render report", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="evaluation-%s.%s"`, report.RunID, ext))
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.ErrorContext(ctx, "failed to write report", "error", err)
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
