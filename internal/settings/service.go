package settings

import (
	"context"
	"fmt"

	"tubeqa/internal/apperr"
	"tubeqa/internal/validate"
)

// Settings are the runtime defaults an operator can change without a
// restart. A zero value field means "use the configured default".
type Settings struct {
	ID              int     `json:"-"`
	GeminiAPIKey    string  `json:"gemini_api_key"`
	EmbeddingModel  string  `json:"embedding_model"`
	GenerationModel string  `json:"generation_model"`
	Temperature     float32 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens       int     `json:"max_tokens" validate:"gte=0"`
	TopK            int     `json:"top_k" validate:"gte=0,lte=50"`
	MinScore        float32 `json:"min_score" validate:"gte=-1,lte=1"`
	ContextBudget   int     `json:"context_budget" validate:"gte=0"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := validate.Struct(set); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrInvalidConfig, err)
	}
	return s.repo.Update(ctx, set)
}
