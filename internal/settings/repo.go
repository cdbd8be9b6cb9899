package settings

import (
	"context"
	"database/sql"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	query := `SELECT id, gemini_api_key, embedding_model, generation_model, temperature, max_tokens, top_k, min_score, context_budget FROM settings WHERE id = 1`
	err := r.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.GeminiAPIKey, &s.EmbeddingModel, &s.GenerationModel, &s.Temperature, &s.MaxTokens, &s.TopK, &s.MinScore, &s.ContextBudget)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	query := `UPDATE settings SET gemini_api_key = $1, embedding_model = $2, generation_model = $3, temperature = $4, max_tokens = $5, top_k = $6, min_score = $7, context_budget = $8, updated_at = NOW() WHERE id = 1`
	_, err := r.db.ExecContext(ctx, query, s.GeminiAPIKey, s.EmbeddingModel, s.GenerationModel, s.Temperature, s.MaxTokens, s.TopK, s.MinScore, s.ContextBudget)
	return err
}
