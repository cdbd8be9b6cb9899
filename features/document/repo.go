// Package document retains ingested source documents so indexes can be
// rebuilt from them.
package document

import (
	"context"
	"database/sql"
	"encoding/json"

	"tubeqa/internal/corpus"
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

// SaveDocuments stores docs for an index. A document whose content is
// already retained for the index is skipped.
func (r *PostgresRepo) SaveDocuments(ctx context.Context, indexID string, docs []corpus.Document) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `INSERT INTO documents (index_id, id, url, title, raw_text, marks, content_hash) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (index_id, content_hash) DO NOTHING`
	for _, d := range docs {
		marks, err := json.Marshal(d.Marks)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, indexID, d.ID, d.URL, d.Title, d.RawText, marks, d.ContentHash()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListDocuments returns an index's documents in ingestion order.
func (r *PostgresRepo) ListDocuments(ctx context.Context, indexID string) ([]corpus.Document, error) {
	query := `SELECT id, url, title, raw_text, marks FROM documents WHERE index_id = $1 ORDER BY created_at, seq`
	rows, err := r.db.QueryContext(ctx, query, indexID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []corpus.Document
	for rows.Next() {
		var d corpus.Document
		var marks []byte
		if err := rows.Scan(&d.ID, &d.URL, &d.Title, &d.RawText, &marks); err != nil {
			return nil, err
		}
		if len(marks) > 0 {
			if err := json.Unmarshal(marks, &d.Marks); err != nil {
				return nil, err
			}
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *PostgresRepo) Count(ctx context.Context) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM documents`
	err := r.db.QueryRowContext(ctx, query).Scan(&count)
	return count, err
}
