package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Record is one append-only metric observation.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
	Name      string    `json:"metric_name"`
	Value     float64   `json:"value"`
}

type Sink interface {
	Write(ctx context.Context, records []Record) error
}

// JSONLSink appends one JSON line per record.
type JSONLSink struct {
	w  io.Writer
	mu sync.Mutex
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{w: w}
}

func NewFileSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config
	if err != nil {
		return nil, err
	}
	return NewJSONLSink(f), nil
}

func (s *JSONLSink) Write(ctx context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying writer when it is a file.
func (s *JSONLSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, records []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO metric_records (recorded_at, request_id, metric_name, value) VALUES ($1, $2, $3, $4)`
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, query, r.Timestamp, r.RequestID, r.Name, r.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// OtelSink feeds every record into a histogram named after its metric.
type OtelSink struct {
	meter      metric.Meter
	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
}

func NewOtelSink() *OtelSink {
	return &OtelSink{
		meter:      otel.Meter("tubeqa/monitor"),
		histograms: map[string]metric.Float64Histogram{},
	}
}

func (s *OtelSink) histogram(name string) (metric.Float64Histogram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.histograms[name]; ok {
		return h, nil
	}
	h, err := s.meter.Float64Histogram(
		"tubeqa."+name,
		metric.WithDescription("Per-request "+name+" observed by the monitor"),
	)
	if err != nil {
		return nil, err
	}
	s.histograms[name] = h
	return h, nil
}

func (s *OtelSink) Write(ctx context.Context, records []Record) error {
	for _, r := range records {
		h, err := s.histogram(r.Name)
		if err != nil {
			return err
		}
		h.Record(ctx, r.Value, metric.WithAttributes(attribute.String("metric", r.Name)))
	}
	return nil
}
