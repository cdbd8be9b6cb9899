package gemini

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"tubeqa/internal/apperr"
)

const DefaultEmbeddingModel = "text-embedding-004"

type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Embedder, error) {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, append(opts, option.WithAPIKey(apiKey))...)
	if err != nil {
		return nil, err
	}
	return &Embedder{client: client, model: model}, nil
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return embedOne(ctx, e.client, e.model, text)
}

func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedBatch(ctx, e.client, e.model, texts)
}

func (e *Embedder) Close() error {
	return e.client.Close()
}

func embedOne(ctx context.Context, client *genai.Client, model, text string) ([]float32, error) {
	slog.DebugContext(ctx, "embedding content", "model", model, "length", len(text))
	res, err := client.EmbeddingModel(model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err)
		return nil, fmt.Errorf("%w: %w", apperr.ErrEmbeddingFailed, classify(err))
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding received", apperr.ErrEmbeddingFailed)
	}
	return res.Embedding.Values, nil
}

func embedBatch(ctx context.Context, client *genai.Client, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	em := client.EmbeddingModel(model)
	b := em.NewBatch()
	for _, t := range texts {
		b.AddContent(genai.Text(t))
	}

	slog.DebugContext(ctx, "embedding batch", "model", model, "size", len(texts))
	res, err := em.BatchEmbedContents(ctx, b)
	if err != nil {
		slog.ErrorContext(ctx, "batch embedding failed", "error", err)
		return nil, fmt.Errorf("%w: %w", apperr.ErrEmbeddingFailed, classify(err))
	}
	if len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", apperr.ErrEmbeddingFailed, len(res.Embeddings), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at %d", apperr.ErrEmbeddingFailed, i)
		}
		out[i] = e.Values
	}
	return out, nil
}
