package settings

import (
	"context"
	"log/slog"

	"tubeqa/internal/answer"
)

// Apply returns c with every non-zero setting copied over it.
func (s *Settings) Apply(c answer.Config) answer.Config {
	if s == nil {
		return c
	}
	if s.GenerationModel != "" {
		c.Model = s.GenerationModel
	}
	if s.Temperature > 0 {
		c.Temperature = s.Temperature
	}
	if s.MaxTokens > 0 {
		c.MaxTokens = s.MaxTokens
	}
	if s.TopK > 0 {
		c.TopK = s.TopK
	}
	if s.MinScore != 0 {
		v := float64(s.MinScore)
		c.MinScore = &v
	}
	if s.ContextBudget > 0 {
		c.ContextBudget = s.ContextBudget
	}
	return c
}

// Defaults overlays the stored settings on base. A failed read falls back
// to base.
func (s *Service) Defaults(ctx context.Context, base answer.Config) answer.Config {
	set, err := s.Get(ctx)
	if err != nil {
		slog.WarnContext(ctx, "failed to read settings, using configured defaults", "error", err)
		return base
	}
	return set.Apply(base)
}
