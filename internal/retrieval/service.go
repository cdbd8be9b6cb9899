package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tubeqa/internal/apperr"
	"tubeqa/internal/llm"
	"tubeqa/internal/middleware"
	"tubeqa/internal/vector"
)

const DefaultK = 4

type Options struct {
	K        int
	Filter   *vector.Filter
	MinScore *float64
}

// Searcher is the nearest-neighbour query every index backend answers.
type Searcher interface {
	Query(ctx context.Context, vec []float32, k int, f *vector.Filter) ([]vector.Scored, error)
}

type identified interface {
	ID() string
}

type Service struct {
	embedder llm.Embedder
	searcher Searcher
	logger   *QueryLogger
}

func NewService(e llm.Embedder, s Searcher, l *QueryLogger) *Service {
	return &Service{embedder: e, searcher: s, logger: l}
}

// Retrieve embeds query and returns at most opts.K chunks ranked by score.
// Embedding failures are returned without retrying.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) ([]vector.Scored, error) {
	start := time.Now()
	if strings.TrimSpace(query) == "" {
		return nil, apperr.ErrEmptyQuestion
	}
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrEmbeddingFailed, err)
	}

	results, err := s.searcher.Query(ctx, vec, k, opts.Filter)
	if err != nil {
		return nil, err
	}

	if opts.MinScore != nil {
		kept := results[:0]
		for _, r := range results {
			if r.Score >= *opts.MinScore {
				kept = append(kept, r)
			}
		}
		results = kept
	}

	if s.logger != nil {
		entry := QueryLogEntry{
			Query:         query,
			K:             k,
			NumResults:    len(results),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		}
		if id, ok := s.searcher.(identified); ok {
			entry.IndexID = id.ID()
		}
		if len(results) > 0 {
			entry.TopScore = results[0].Score
		}
		s.logger.Log(entry)
	}
	return results, nil
}
