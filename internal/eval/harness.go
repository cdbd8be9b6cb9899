// Package eval runs a fixed question set through an answering pipeline and
// scores every answer.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"tubeqa/internal/answer"
	"tubeqa/internal/apperr"
	"tubeqa/internal/llm"
	"tubeqa/internal/tracking"
	"tubeqa/internal/validate"
)

// Metric names, in report column order.
const (
	MetricRouge1P         = "rouge1_p"
	MetricRouge1R         = "rouge1_r"
	MetricRouge1F         = "rouge1_f"
	MetricRouge2P         = "rouge2_p"
	MetricRouge2R         = "rouge2_r"
	MetricRouge2F         = "rouge2_f"
	MetricRougeLP         = "rougeL_p"
	MetricRougeLR         = "rougeL_r"
	MetricRougeLF         = "rougeL_f"
	MetricSemantic        = "semantic_similarity"
	MetricContextRelevant = "context_relevancy"
	MetricFaithfulness    = "faithfulness"
	MetricAnswerRelevancy = "answer_relevancy"
	MetricLatencyMs       = "latency_ms"
)

var MetricNames = []string{
	MetricRouge1P, MetricRouge1R, MetricRouge1F,
	MetricRouge2P, MetricRouge2R, MetricRouge2F,
	MetricRougeLP, MetricRougeLR, MetricRougeLF,
	MetricSemantic, MetricContextRelevant, MetricFaithfulness,
	MetricAnswerRelevancy, MetricLatencyMs,
}

type Sample struct {
	ID             string   `json:"id"`
	Question       string   `json:"question" validate:"required"`
	ExpectedAnswer string   `json:"expected_answer" validate:"required"`
	GoldContext    []string `json:"gold_context,omitempty"`
}

type SampleResult struct {
	SampleID string             `json:"sample_id"`
	Question string             `json:"question"`
	Answer   string             `json:"answer,omitempty"`
	Latency  time.Duration      `json:"latency"`
	Metrics  map[string]float64 `json:"metrics"`
	Error    string             `json:"error,omitempty"`
}

func (r SampleResult) Failed() bool { return r.Error != "" }

type Report struct {
	RunID     string             `json:"run_id"`
	Config    answer.Config      `json:"config"`
	StartedAt time.Time          `json:"started_at"`
	Duration  time.Duration      `json:"duration"`
	Samples   []SampleResult     `json:"samples"`
	Means     map[string]float64 `json:"means"`
	Counts    map[string]int     `json:"counts"`
	Failed    int                `json:"failed"`
}

type Options struct {
	Concurrency int
	Judge       Judge
	Sink        tracking.Sink
	RunName     string
}

type Harness struct {
	answerer answer.Answerer
	embedder llm.Embedder
	opts     Options
}

func NewHarness(a answer.Answerer, e llm.Embedder, opts Options) *Harness {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Judge == nil {
		opts.Judge = NewEmbeddingJudge(e, 0)
	}
	if opts.Sink == nil {
		opts.Sink = tracking.Nop{}
	}
	if opts.RunName == "" {
		opts.RunName = "evaluation"
	}
	return &Harness{answerer: a, embedder: e, opts: opts}
}

// Run evaluates samples with bounded concurrency. A sample whose answer
// fails stays in the table with its error and is left out of the means.
// Results are in input order whatever order samples finish in.
func (h *Harness) Run(ctx context.Context, samples []Sample) (*Report, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples", apperr.ErrInvalidConfig)
	}
	samples = slices.Clone(samples)
	seen := make(map[string]bool, len(samples))
	for i := range samples {
		if err := validate.Struct(samples[i]); err != nil {
			return nil, fmt.Errorf("%w: sample %d: %w", apperr.ErrInvalidConfig, i, err)
		}
		if samples[i].ID == "" {
			samples[i].ID = fmt.Sprintf("s%03d", i+1)
		}
		if seen[samples[i].ID] {
			return nil, fmt.Errorf("%w: duplicate sample id %q", apperr.ErrInvalidConfig, samples[i].ID)
		}
		seen[samples[i].ID] = true
	}

	cfg := h.answerer.DescribeConfig()
	run, err := h.opts.Sink.StartRun(ctx, h.opts.RunName)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	if err := h.opts.Sink.RecordParams(ctx, run.ID, cfg.Params()); err != nil {
		return nil, fmt.Errorf("record params: %w", err)
	}

	start := time.Now()
	results := make([]SampleResult, len(samples))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.opts.Concurrency)
	for i, s := range samples {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = h.evaluate(gctx, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		h.opts.Sink.EndRun(context.WithoutCancel(ctx), run.ID, tracking.StatusFailed)
		return nil, err
	}

	report := &Report{
		RunID:     run.ID,
		Config:    cfg,
		StartedAt: run.StartedAt,
		Duration:  time.Since(start),
		Samples:   results,
	}
	report.aggregate()

	if err := h.record(ctx, report); err != nil {
		h.opts.Sink.EndRun(context.WithoutCancel(ctx), run.ID, tracking.StatusFailed)
		return nil, err
	}
	if err := h.opts.Sink.EndRun(ctx, run.ID, tracking.StatusFinished); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "evaluation finished",
		"run_id", run.ID, "samples", len(samples), "failed", report.Failed,
		"rougeL_f", report.Means[MetricRougeLF], "duration", report.Duration)
	return report, nil
}

func (h *Harness) evaluate(ctx context.Context, s Sample) SampleResult {
	res := SampleResult{SampleID: s.ID, Question: s.Question, Metrics: map[string]float64{}}

	start := time.Now()
	ans, err := h.answerer.Answer(ctx, s.Question)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		slog.WarnContext(ctx, "sample failed", "sample_id", s.ID, "error", err)
		return res
	}
	res.Answer = ans.Text
	res.Metrics[MetricLatencyMs] = float64(res.Latency.Microseconds()) / 1000

	r1 := RougeN(ans.Text, s.ExpectedAnswer, 1)
	r2 := RougeN(ans.Text, s.ExpectedAnswer, 2)
	rl := RougeL(ans.Text, s.ExpectedAnswer)
	res.Metrics[MetricRouge1P], res.Metrics[MetricRouge1R], res.Metrics[MetricRouge1F] = r1.Precision, r1.Recall, r1.F1
	res.Metrics[MetricRouge2P], res.Metrics[MetricRouge2R], res.Metrics[MetricRouge2F] = r2.Precision, r2.Recall, r2.F1
	res.Metrics[MetricRougeLP], res.Metrics[MetricRougeLR], res.Metrics[MetricRougeLF] = rl.Precision, rl.Recall, rl.F1

	if sim, err := Similarity(ctx, h.embedder, ans.Text, s.ExpectedAnswer); err == nil {
		res.Metrics[MetricSemantic] = sim
	} else {
		slog.WarnContext(ctx, "semantic similarity skipped", "sample_id", s.ID, "error", err)
	}
	if rel, err := Similarity(ctx, h.embedder, ans.Text, s.Question); err == nil {
		res.Metrics[MetricAnswerRelevancy] = rel
	} else {
		slog.WarnContext(ctx, "answer relevancy skipped", "sample_id", s.ID, "error", err)
	}

	if len(s.GoldContext) == 0 {
		return res
	}
	contexts := make([]string, len(ans.CitedChunks))
	for i, c := range ans.CitedChunks {
		contexts[i] = c.Text
	}
	res.Metrics[MetricContextRelevant] = ContextRelevancy(contexts, s.GoldContext)
	if f, err := h.opts.Judge.Faithfulness(ctx, ans.Text, contexts); err == nil {
		res.Metrics[MetricFaithfulness] = f
	} else {
		slog.WarnContext(ctx, "faithfulness skipped", "sample_id", s.ID, "error", err)
	}
	return res
}

// aggregate averages each metric over the samples that have it. Sums run in
// sample order so the means do not depend on completion order.
func (r *Report) aggregate() {
	sums := map[string]float64{}
	r.Counts = map[string]int{}
	r.Failed = 0
	for _, s := range r.Samples {
		if s.Failed() {
			r.Failed++
			continue
		}
		for _, name := range MetricNames {
			if v, ok := s.Metrics[name]; ok {
				sums[name] += v
				r.Counts[name]++
			}
		}
	}
	r.Means = make(map[string]float64, len(sums))
	for name, sum := range sums {
		r.Means[name] = sum / float64(r.Counts[name])
	}
}

func (h *Harness) record(ctx context.Context, r *Report) error {
	for step, s := range r.Samples {
		for _, name := range MetricNames {
			if v, ok := s.Metrics[name]; ok {
				if err := h.opts.Sink.RecordMetric(ctx, r.RunID, name, v, step); err != nil {
					return fmt.Errorf("record metric: %w", err)
				}
			}
		}
	}
	for _, name := range MetricNames {
		if v, ok := r.Means[name]; ok {
			if err := h.opts.Sink.RecordMetric(ctx, r.RunID, "mean_"+name, v, len(r.Samples)); err != nil {
				return fmt.Errorf("record metric: %w", err)
			}
		}
	}

	var csv strings.Builder
	if err := WriteCSV(&csv, r); err != nil {
		return err
	}
	if err := h.opts.Sink.RecordArtifact(ctx, r.RunID, "report.csv", []byte(csv.String())); err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}
