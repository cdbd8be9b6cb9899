// Package monitor watches the live question path: it records per-request
// metrics, keeps rolling windows per metric and flags drift.
package monitor

import (
	"context"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"tubeqa/internal/answer"
	"tubeqa/internal/eval"
	"tubeqa/internal/llm"
)

// Metric names recorded per request.
const (
	MetricLatencyMs    = "latency_ms"
	MetricContextWords = "context_words"
	MetricCitedChunks  = "cited_chunks"
	MetricAttempts     = "generation_attempts"
	MetricHeapBytes    = "heap_bytes"
	MetricError        = "error"
	MetricRougeLF      = "rougeL_f"
	MetricSemantic     = "semantic_similarity"
)

type Options struct {
	Window        int
	QueueSize     int
	Detector      Detector
	Threshold     float64
	CheckInterval time.Duration
	Sinks         []Sink
	Embedder      llm.Embedder
}

func DefaultOptions() Options {
	return Options{
		Window:        50,
		QueueSize:     1024,
		Detector:      MeanShift{},
		Threshold:     0.5,
		CheckInterval: time.Minute,
	}
}

type Stats struct {
	Count   int     `json:"count"`
	Window  int     `json:"window"`
	Mean    float64 `json:"mean"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	Drift   float64 `json:"drift_statistic"`
	Drifted bool    `json:"drift_detected"`
}

type Monitor struct {
	opts    Options
	queue   chan []Record
	dropped atomic.Int64

	mu     sync.RWMutex
	series map[string]*series
	stats  map[string]float64
	flags  map[string]bool

	// Submit holds lifecycle for reading while it enqueues.
	lifecycle sync.RWMutex
	stopped   bool

	sched *gocron.Scheduler
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func New(opts Options) *Monitor {
	d := DefaultOptions()
	if opts.Window <= 0 {
		opts.Window = d.Window
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = d.QueueSize
	}
	if opts.Detector == nil {
		opts.Detector = d.Detector
	}
	if opts.Threshold <= 0 {
		opts.Threshold = d.Threshold
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = d.CheckInterval
	}
	return &Monitor{
		opts:   opts,
		queue:  make(chan []Record, opts.QueueSize),
		series: map[string]*series{},
		stats:  map[string]float64{},
		flags:  map[string]bool{},
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start runs the single writer and the drift schedule until ctx ends or
// Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	sched := gocron.NewScheduler(time.UTC)
	if _, err := sched.Every(m.opts.CheckInterval).Tag("drift").Do(m.CheckDrift); err != nil {
		return err
	}
	sched.StartAsync()
	m.sched = sched

	go m.run(ctx)
	return nil
}

// Stop refuses further records and flushes everything already queued to
// the sinks. It is safe to call whether or not Start ran.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		m.lifecycle.Lock()
		m.stopped = true
		m.lifecycle.Unlock()

		if m.sched != nil {
			m.sched.Stop()
			close(m.quit)
			<-m.done
		}
		m.drain(context.Background())
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case batch := <-m.queue:
			m.apply(ctx, batch)
		case <-m.quit:
			return
		case <-ctx.Done():
			m.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

func (m *Monitor) drain(ctx context.Context) {
	for {
		select {
		case batch := <-m.queue:
			m.apply(ctx, batch)
		default:
			return
		}
	}
}

func (m *Monitor) apply(ctx context.Context, batch []Record) {
	refreshed := false
	m.mu.Lock()
	for _, r := range batch {
		s, ok := m.series[r.Name]
		if !ok {
			s = newSeries(m.opts.Window)
			m.series[r.Name] = s
		}
		s.add(r.Value)
		if s.fresh >= m.opts.Window {
			refreshed = true
		}
	}
	m.mu.Unlock()

	for _, sink := range m.opts.Sinks {
		if err := sink.Write(ctx, batch); err != nil {
			slog.WarnContext(ctx, "metric sink write failed", "error", err)
		}
	}
	if refreshed {
		m.CheckDrift()
	}
}

// Submit enqueues records without blocking. It reports false when the
// queue is full or the monitor is stopped and the records were dropped.
func (m *Monitor) Submit(records ...Record) bool {
	m.lifecycle.RLock()
	defer m.lifecycle.RUnlock()
	if m.stopped {
		m.dropped.Add(int64(len(records)))
		return false
	}
	select {
	case m.queue <- records:
		return true
	default:
		m.dropped.Add(int64(len(records)))
		return false
	}
}

func (m *Monitor) Dropped() int64 { return m.dropped.Load() }

// CheckDrift compares baseline and recent windows of every metric whose
// windows are both full, raising or clearing its flag.
func (m *Monitor) CheckDrift() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.series {
		if !s.ready() {
			continue
		}
		s.fresh = 0
		stat := m.opts.Detector.Statistic(s.baseline.values(), s.recent.values())
		m.stats[name] = stat
		drifted := stat > m.opts.Threshold
		if drifted != m.flags[name] {
			slog.Warn("drift state changed", "metric", name, "drifted", drifted,
				"detector", m.opts.Detector.Name(), "statistic", stat, "threshold", m.opts.Threshold)
		}
		m.flags[name] = drifted
	}
}

// DriftDetected reports whether metric is currently flagged.
func (m *Monitor) DriftDetected(metric string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[metric]
}

// Flags lists flagged metrics in name order.
func (m *Monitor) Flags() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, on := range m.flags {
		if on {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Snapshot summarises the recent window of every metric.
func (m *Monitor) Snapshot() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.series))
	for name, s := range m.series {
		vals := s.recent.values()
		slices.Sort(vals)
		out[name] = Stats{
			Count:   s.count,
			Window:  len(vals),
			Mean:    mean(vals),
			P50:     quantile(vals, 0.5),
			P95:     quantile(vals, 0.95),
			Drift:   m.stats[name],
			Drifted: m.flags[name],
		}
	}
	return out
}

// Ask answers question through a and records the request's metrics. When
// reference is non-empty the answer is also scored against it. Monitoring
// never changes what the caller sees.
func (m *Monitor) Ask(ctx context.Context, a answer.Answerer, question, reference string) (*answer.Answer, error) {
	start := time.Now()
	ans, err := a.Answer(ctx, question)
	latency := time.Since(start)

	now := time.Now().UTC()
	id := uuid.New().String()
	rec := func(name string, v float64) Record {
		return Record{Timestamp: now, RequestID: id, Name: name, Value: v}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	records := []Record{
		rec(MetricLatencyMs, float64(latency.Microseconds())/1000),
		rec(MetricHeapBytes, float64(ms.HeapAlloc)),
	}
	if err != nil {
		records = append(records, rec(MetricError, 1))
		m.Submit(records...)
		return nil, err
	}
	records = append(records,
		rec(MetricError, 0),
		rec(MetricContextWords, float64(ans.ContextWords)),
		rec(MetricCitedChunks, float64(len(ans.CitedChunks))),
		rec(MetricAttempts, float64(ans.Attempts)),
	)

	if reference != "" {
		records = append(records, rec(MetricRougeLF, eval.RougeL(ans.Text, reference).F1))
		if m.opts.Embedder != nil {
			if sim, serr := eval.Similarity(ctx, m.opts.Embedder, ans.Text, reference); serr == nil {
				records = append(records, rec(MetricSemantic, sim))
			} else {
				slog.WarnContext(ctx, "semantic similarity skipped", "error", serr)
			}
		}
	}

	if !m.Submit(records...) {
		slog.WarnContext(ctx, "monitor records dropped", "request_id", id)
	}
	return ans, nil
}
