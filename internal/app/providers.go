package app

import (
	"context"
	"fmt"
	"io"

	"tubeqa/internal/adapter/gemini"
	"tubeqa/internal/adapter/hashembed"
	"tubeqa/internal/adapter/openai"
	"tubeqa/internal/adapter/rediscache"
	"tubeqa/internal/config"
	"tubeqa/internal/llm"
	"tubeqa/internal/settings"
)

// HashDimension is the vector size of the offline embedder.
const HashDimension = 256

// buildEmbedder picks the embedding provider. With runtime settings the
// Gemini key is read per call so it can be rotated through PUT /settings.
func buildEmbedder(ctx context.Context, cfg *config.Config, set *settings.Service) (llm.Embedder, []io.Closer, error) {
	var (
		e       llm.Embedder
		closers []io.Closer
		model   = cfg.EmbeddingModel
	)

	switch cfg.EmbeddingProvider {
	case "hash":
		e = hashembed.New(HashDimension)
		model = fmt.Sprintf("hash-%d", HashDimension)
	case "openai":
		e = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	case "gemini":
		if model == "" {
			model = gemini.DefaultEmbeddingModel
		}
		if set != nil {
			e = gemini.NewDynamicEmbedder(set, model)
			break
		}
		if cfg.GeminiAPIKey == "" {
			return nil, nil, fmt.Errorf("%w: GEMINI_API_KEY", config.ErrMissingRequired)
		}
		ge, err := gemini.NewEmbedder(ctx, cfg.GeminiAPIKey, model)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini embedder: %w", err)
		}
		e = ge
		closers = append(closers, ge)
	default:
		return nil, nil, fmt.Errorf("%w: EMBEDDING_PROVIDER=%q", config.ErrInvalid, cfg.EmbeddingProvider)
	}

	if cfg.RedisAddr == "" {
		return e, closers, nil
	}
	cache, err := rediscache.NewRedisCache(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, closers, fmt.Errorf("redis cache: %w", err)
	}
	closers = append(closers, cache)
	return rediscache.NewCachedEmbedder(e, cache, cfg.EmbeddingProvider+":"+model, cfg.EmbeddingCacheTTL), closers, nil
}

func buildGenerator(ctx context.Context, cfg *config.Config) (llm.Generator, []io.Closer, error) {
	switch cfg.GenerationProvider {
	case "openai":
		return openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel), nil, nil
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			return nil, nil, fmt.Errorf("%w: GEMINI_API_KEY", config.ErrMissingRequired)
		}
		opts := gemini.DefaultGeneratorOptions()
		opts.RPM = cfg.GenerationRPM
		g, err := gemini.NewGenerator(ctx, cfg.GeminiAPIKey, opts)
		if err != nil {
			return nil, nil, fmt.Errorf("gemini generator: %w", err)
		}
		return g, []io.Closer{g}, nil
	default:
		return nil, nil, fmt.Errorf("%w: GENERATION_PROVIDER=%q", config.ErrInvalid, cfg.GenerationProvider)
	}
}
