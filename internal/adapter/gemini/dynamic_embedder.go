package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"tubeqa/internal/apperr"
	"tubeqa/internal/settings"
)

// DynamicEmbedder reads the API key and model from runtime settings on
// every call and rebuilds its client when the key changes.
type DynamicEmbedder struct {
	settingsSvc  *settings.Service
	defaultModel string
	client       *genai.Client
	currentKey   string
	mu           sync.RWMutex
	clientOpts   []option.ClientOption
}

func NewDynamicEmbedder(svc *settings.Service, defaultModel string, opts ...option.ClientOption) *DynamicEmbedder {
	if defaultModel == "" {
		defaultModel = DefaultEmbeddingModel
	}
	return &DynamicEmbedder{
		settingsSvc:  svc,
		defaultModel: defaultModel,
		clientOpts:   opts,
	}
}

func (e *DynamicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, model, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return embedOne(ctx, client, model, text)
}

func (e *DynamicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	client, model, err := e.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return embedBatch(ctx, client, model, texts)
}

func (e *DynamicEmbedder) resolve(ctx context.Context) (*genai.Client, string, error) {
	s, err := e.settingsSvc.Get(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to get settings: %w", err)
	}
	if s.GeminiAPIKey == "" {
		return nil, "", fmt.Errorf("%w: gemini api key not configured", apperr.ErrEmbeddingFailed)
	}

	client, err := e.getClient(ctx, s.GeminiAPIKey)
	if err != nil {
		return nil, "", err
	}

	model := s.EmbeddingModel
	if model == "" {
		model = e.defaultModel
	}
	return client, model, nil
}

func (e *DynamicEmbedder) getClient(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.RLock()
	if e.client != nil && e.currentKey == key {
		defer e.mu.RUnlock()
		return e.client, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(append([]option.ClientOption{}, e.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.currentKey = key
	return client, nil
}
