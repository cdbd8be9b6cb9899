// Package ingest turns documents into embedded chunks and adds them to an
// index.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/llm"
	"tubeqa/internal/text"
)

// Index is the write side of a vector index.
type Index interface {
	Add(ctx context.Context, chunks ...corpus.Chunk) error
}

type Options struct {
	Chunking    text.Options
	Concurrency int
	// RPM paces embedding calls. Zero disables pacing.
	RPM       int
	BatchSize int
	Attempts  uint
	Backoff   time.Duration
	Clean     bool
}

func DefaultOptions() Options {
	return Options{
		Chunking:    text.DefaultOptions(),
		Concurrency: 4,
		RPM:         1500,
		BatchSize:   64,
		Attempts:    5,
		Backoff:     time.Second,
	}
}

type Result struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
}

type Pipeline struct {
	embedder llm.Embedder
	limiter  *rate.Limiter
	opts     Options
}

func NewPipeline(e llm.Embedder, opts Options) (*Pipeline, error) {
	if err := opts.Chunking.Validate(); err != nil {
		return nil, err
	}
	d := DefaultOptions()
	if opts.Concurrency <= 0 {
		opts.Concurrency = d.Concurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = d.BatchSize
	}
	if opts.Attempts == 0 {
		opts.Attempts = d.Attempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = d.Backoff
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RPM > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RPM)/60), max(1, opts.RPM/60))
	}
	return &Pipeline{embedder: e, limiter: limiter, opts: opts}, nil
}

// Prepare chunks and embeds every document on a bounded pool. The result
// is indexed like docs, whatever order the workers finish in.
func (p *Pipeline) Prepare(ctx context.Context, docs []corpus.Document) ([][]corpus.Chunk, error) {
	ctx, span := otel.Tracer("tubeqa/ingest").Start(ctx, "ingest.prepare")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(docs)))

	out := make([][]corpus.Chunk, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i, doc := range docs {
		g.Go(func() error {
			chunks, err := p.prepareOne(gctx, doc)
			if err != nil {
				return err
			}
			out[i] = chunks
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) prepareOne(ctx context.Context, doc corpus.Document) ([]corpus.Chunk, error) {
	if p.opts.Clean {
		doc = text.CleanDocument(doc)
	}
	chunks, err := text.Chunk(doc, p.opts.Chunking)
	if err != nil {
		return nil, err
	}

	for lo := 0; lo < len(chunks); lo += p.opts.BatchSize {
		hi := min(lo+p.opts.BatchSize, len(chunks))
		texts := make([]string, hi-lo)
		for i := range texts {
			texts[i] = chunks[lo+i].Text
		}
		vecs, err := p.embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed %s: %w", doc.ID, err)
		}
		for i, v := range vecs {
			chunks[lo+i].Embedding = v
		}
	}
	slog.DebugContext(ctx, "document prepared", "document_id", doc.ID, "chunks", len(chunks))
	return chunks, nil
}

// embed paces calls through the limiter and backs off while the provider
// reports rate limiting or timeouts.
func (p *Pipeline) embed(ctx context.Context, texts []string) ([][]float32, error) {
	op := func() ([][]float32, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		vecs, err := llm.EmbedAll(ctx, p.embedder, texts)
		if err != nil {
			if apperr.Transient(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return vecs, nil
	}

	vecs, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     p.opts.Backoff,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         30 * p.opts.Backoff,
		}),
		backoff.WithMaxTries(p.opts.Attempts),
	)
	if err != nil {
		if errors.Is(err, apperr.ErrEmbeddingFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", apperr.ErrEmbeddingFailed, err)
	}
	return vecs, nil
}

// Run prepares docs and adds their chunks to ix in document order, in one
// call so a failure leaves ix unchanged.
func (p *Pipeline) Run(ctx context.Context, ix Index, docs []corpus.Document) (Result, error) {
	start := time.Now()
	prepared, err := p.Prepare(ctx, docs)
	if err != nil {
		return Result{}, err
	}

	var all []corpus.Chunk
	for _, chunks := range prepared {
		all = append(all, chunks...)
	}
	if err := ix.Add(ctx, all...); err != nil {
		return Result{}, fmt.Errorf("index chunks: %w", err)
	}

	res := Result{Documents: len(docs), Chunks: len(all)}
	slog.InfoContext(ctx, "ingestion finished",
		"documents", res.Documents, "chunks", res.Chunks, "duration", time.Since(start))
	return res, nil
}
