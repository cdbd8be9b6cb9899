package answer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"tubeqa/internal/apperr"
	"tubeqa/internal/llm"
	"tubeqa/internal/retrieval"
	"tubeqa/internal/vector"
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, opts retrieval.Options) ([]vector.Scored, error)
}

// Answerer is what the evaluation harness and the monitor drive.
type Answerer interface {
	Answer(ctx context.Context, question string) (*Answer, error)
	DescribeConfig() Config
}

type Citation struct {
	ChunkID    string        `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	Text       string        `json:"text"`
	Score      float64       `json:"score"`
	StartTime  time.Duration `json:"start_time"`
	Link       string        `json:"link,omitempty"`
}

type Answer struct {
	Text             string        `json:"text"`
	CitedChunks      []Citation    `json:"cited_chunks"`
	Latency          time.Duration `json:"latency"`
	Params           llm.Params    `json:"params"`
	Attempts         int           `json:"attempts"`
	ContextTruncated bool          `json:"context_truncated"`
	ContextWords     int           `json:"context_words"`
}

type Orchestrator struct {
	retriever Retriever
	generator llm.Generator
	cfg       Config
	tmpl      *template.Template
}

func NewOrchestrator(r Retriever, g llm.Generator, cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(cfg.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalidConfig, err)
	}
	return &Orchestrator{retriever: r, generator: g, cfg: cfg, tmpl: tmpl}, nil
}

func (o *Orchestrator) DescribeConfig() Config {
	return o.cfg
}

func (o *Orchestrator) Answer(ctx context.Context, question string) (*Answer, error) {
	start := time.Now()
	ctx, span := otel.Tracer("tubeqa/answer").Start(ctx, "answer.orchestrate")
	defer span.End()

	results, err := o.retriever.Retrieve(ctx, question, retrieval.Options{K: o.cfg.TopK, MinScore: o.cfg.MinScore, Filter: o.cfg.Filter})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, apperr.ErrNoRelevantContext
	}

	excerpts, words, truncated, err := assemble(results, o.cfg.ContextBudget)
	if err != nil {
		return nil, err
	}

	prompt, err := o.render(question, excerpts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("answer.retrieved", len(results)),
		attribute.Int("answer.context_words", words),
		attribute.Bool("answer.context_truncated", truncated),
	)

	text, attempts, err := o.generate(ctx, prompt)
	span.SetAttributes(attribute.Int("answer.attempts", attempts))
	if err != nil {
		slog.WarnContext(ctx, "generation failed", "attempts", attempts, "error", err)
		return nil, err
	}

	cited := make([]Citation, len(excerpts))
	for i, e := range excerpts {
		c := e.hit.Chunk
		cited[i] = Citation{
			ChunkID:    c.ID(),
			DocumentID: c.DocumentID,
			Text:       e.Text,
			Score:      e.hit.Score,
			StartTime:  c.StartTime,
			Link:       c.Link(),
		}
	}

	return &Answer{
		Text:             text,
		CitedChunks:      cited,
		Latency:          time.Since(start),
		Params:           o.cfg.GenerationParams(),
		Attempts:         attempts,
		ContextTruncated: truncated,
		ContextWords:     words,
	}, nil
}

type excerpt struct {
	N    int
	Text string
	hit  vector.Scored
}

// assemble takes chunks in rank order while they fit the word budget. Only
// the top chunk may be cut short, and only when it alone exceeds the budget.
func assemble(results []vector.Scored, budget int) ([]excerpt, int, bool, error) {
	if budget <= 0 {
		return nil, 0, false, fmt.Errorf("%w: budget of %d words", apperr.ErrContextBudgetExceeded, budget)
	}

	var out []excerpt
	used := 0
	truncated := false
	for i, r := range results {
		words := strings.Fields(r.Chunk.Text)
		if used+len(words) <= budget {
			out = append(out, excerpt{N: i + 1, Text: r.Chunk.Text, hit: r})
			used += len(words)
			continue
		}
		truncated = true
		if i == 0 {
			out = append(out, excerpt{N: 1, Text: strings.Join(words[:budget], " "), hit: r})
			used = budget
		}
		break
	}
	return out, used, truncated, nil
}

func (o *Orchestrator) render(question string, excerpts []excerpt) (string, error) {
	var buf bytes.Buffer
	err := o.tmpl.Execute(&buf, struct {
		Question string
		Context  []excerpt
	}{Question: strings.TrimSpace(question), Context: excerpts})
	if err != nil {
		return "", fmt.Errorf("%w: render prompt: %w", apperr.ErrInvalidConfig, err)
	}
	return buf.String(), nil
}

// generate retries transient failures with exponential backoff. Each
// attempt gets its own deadline.
func (o *Orchestrator) generate(ctx context.Context, prompt string) (string, int, error) {
	attempts := 0
	params := o.cfg.GenerationParams()

	op := func() (string, error) {
		attempts++
		actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		defer cancel()

		out, err := o.generator.Generate(actx, prompt, params)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrTimeout) {
			err = fmt.Errorf("%w: %w", apperr.ErrTimeout, err)
		}
		if apperr.Transient(err) {
			slog.DebugContext(ctx, "retrying generation", "attempt", attempts, "error", err)
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.cfg.Backoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         10 * o.cfg.Backoff,
	}
	if o.cfg.Backoff <= 0 {
		b.InitialInterval = time.Millisecond
		b.MaxInterval = time.Millisecond
	}

	text, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(o.cfg.Attempts)))
	if err != nil {
		return "", attempts, fmt.Errorf("%w: after %d attempts: %w", apperr.ErrGenerationFailed, attempts, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", attempts, fmt.Errorf("%w: empty answer", apperr.ErrGenerationFailed)
	}
	return text, attempts, nil
}
