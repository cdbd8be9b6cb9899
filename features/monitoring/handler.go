package monitoring

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"tubeqa/internal/monitor"
)

type Source interface {
	Snapshot() map[string]monitor.Stats
	Flags() []string
	Dropped() int64
}

type Handler struct {
	monitor Source
}

func NewHandler(m Source) *Handler {
	return &Handler{monitor: m}
}

type Response struct {
	Metrics map[string]monitor.Stats `json:"metrics"`
	Drift   []string                 `json:"drift"`
	Dropped int64                    `json:"dropped_records"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := Response{
		Metrics: h.monitor.Snapshot(),
		Drift:   h.monitor.Flags(),
		Dropped: h.monitor.Dropped(),
	}
	if resp.Drift == nil {
		resp.Drift = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}
