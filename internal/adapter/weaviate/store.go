// Package weaviate keeps an index's chunks in a Weaviate class instead of
// process memory. Every object carries its index id so one class serves
// many indexes.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"tubeqa/internal/apperr"
	"tubeqa/internal/corpus"
	"tubeqa/internal/vector"
)

type Store struct {
	client  *weaviate.Client
	indexID string
}

func NewStore(client *weaviate.Client, indexID string) *Store {
	return &Store{client: client, indexID: indexID}
}

func (s *Store) ID() string { return s.indexID }

// ObjectID is the deterministic Weaviate id of a chunk within an index.
func ObjectID(indexID, chunkID string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(indexID+"/"+chunkID)).String())
}

func (s *Store) Add(ctx context.Context, chunks ...corpus.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dim := len(chunks[0].Embedding)
	batch := s.client.Batch().ObjectsBatcher()
	for _, c := range chunks {
		if len(c.Embedding) == 0 || len(c.Embedding) != dim {
			return fmt.Errorf("%w: chunk %s has %d dimensions, want %d", apperr.ErrDimensionMismatch, c.ID(), len(c.Embedding), dim)
		}
		batch = batch.WithObjects(&models.Object{
			Class:      vector.ChunkClass,
			ID:         ObjectID(s.indexID, c.ID()),
			Properties: s.properties(c),
			Vector:     c.Embedding,
		})
	}

	res, err := batch.Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate batch: %w", err)
	}
	for _, r := range res {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			msg := r.Result.Errors.Error[0].Message
			if strings.Contains(msg, "already exists") {
				return fmt.Errorf("%w: %s", apperr.ErrDuplicateChunk, msg)
			}
			return fmt.Errorf("weaviate batch object %s: %s", r.ID, msg)
		}
	}
	return nil
}

func (s *Store) properties(c corpus.Chunk) map[string]interface{} {
	return map[string]interface{}{
		"indexId":       s.indexID,
		"documentId":    c.DocumentID,
		"sequenceIndex": c.SequenceIndex,
		"startOffset":   c.StartOffset,
		"startSeconds":  c.StartTime.Seconds(),
		"content":       c.Text,
		"url":           c.URL,
		"title":         c.Metadata["title"],
	}
}

func (s *Store) where(f *vector.Filter) *filters.WhereBuilder {
	scope := filters.Where().
		WithPath([]string{"indexId"}).
		WithOperator(filters.Equal).
		WithValueString(s.indexID)
	if f == nil || len(f.DocumentIDs) == 0 {
		return scope
	}

	docs := make([]*filters.WhereBuilder, 0, len(f.DocumentIDs))
	for _, id := range f.DocumentIDs {
		docs = append(docs, filters.Where().
			WithPath([]string{"documentId"}).
			WithOperator(filters.Equal).
			WithValueString(id))
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			scope,
			filters.Where().WithOperator(filters.Or).WithOperands(docs),
		})
}

var chunkFields = []graphql.Field{
	{Name: "documentId"},
	{Name: "sequenceIndex"},
	{Name: "startOffset"},
	{Name: "startSeconds"},
	{Name: "content"},
	{Name: "url"},
	{Name: "title"},
}

// Query ranks by cosine similarity, computed from Weaviate's cosine
// distance. Metadata filters other than document ids apply after the fetch.
func (s *Store) Query(ctx context.Context, vec []float32, k int, f *vector.Filter) ([]vector.Scored, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", apperr.ErrInvalidConfig, k)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := append(slices.Clone(chunkFields), graphql.Field{
		Name: "_additional", Fields: []graphql.Field{{Name: "distance"}},
	})

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ChunkClass).
		WithNearVector(nearVector).
		WithWhere(s.where(f)).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(res.Errors) > 0 {
		msg := res.Errors[0].Message
		if strings.Contains(msg, "vector lengths don't match") || strings.Contains(msg, "dimension") {
			return nil, fmt.Errorf("%w: %s", apperr.ErrDimensionMismatch, msg)
		}
		return nil, fmt.Errorf("graphql error: %s", msg)
	}

	var out []vector.Scored
	for _, props := range objects(res.Data["Get"]) {
		c := s.chunk(props)
		if f != nil && !f.Match(c) {
			continue
		}
		score := 0.0
		if add, ok := props["_additional"].(map[string]interface{}); ok {
			if d, ok := add["distance"].(float64); ok {
				score = 1 - d
			}
		}
		out = append(out, vector.Scored{Chunk: c, Score: score})
	}

	if len(out) == 0 {
		n, err := s.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, apperr.ErrIndexEmpty
		}
	}

	slices.SortStableFunc(out, func(a, b vector.Scored) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		if c := strings.Compare(a.Chunk.DocumentID, b.Chunk.DocumentID); c != 0 {
			return c
		}
		return a.Chunk.SequenceIndex - b.Chunk.SequenceIndex
	})
	return out, nil
}

func (s *Store) chunk(props map[string]interface{}) corpus.Chunk {
	c := corpus.Chunk{Metadata: map[string]string{}}
	c.DocumentID, _ = props["documentId"].(string)
	c.Text, _ = props["content"].(string)
	c.URL, _ = props["url"].(string)
	if v, ok := props["sequenceIndex"].(float64); ok {
		c.SequenceIndex = int(v)
	}
	if v, ok := props["startOffset"].(float64); ok {
		c.StartOffset = int(v)
	}
	if v, ok := props["startSeconds"].(float64); ok {
		c.StartTime = time.Duration(v * float64(time.Second)).Round(time.Millisecond)
	}
	if title, ok := props["title"].(string); ok && title != "" {
		c.Metadata["title"] = title
	}
	return c
}

// Count returns the number of chunks stored for this index.
func (s *Store) Count(ctx context.Context) (int, error) {
	res, err := s.client.GraphQL().Aggregate().
		WithClassName(vector.ChunkClass).
		WithWhere(s.where(nil)).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %s", res.Errors[0].Message)
	}

	rows := objects(res.Data["Aggregate"])
	if len(rows) == 0 {
		return 0, nil
	}
	meta, ok := rows[0]["meta"].(map[string]interface{})
	if !ok {
		return 0, errors.New("aggregate response missing meta")
	}
	n, _ := meta["count"].(float64)
	return int(n), nil
}

// Delete removes every chunk of this index.
func (s *Store) Delete(ctx context.Context) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ChunkClass).
		WithOutput("minimal").
		WithWhere(s.where(nil)).
		Do(ctx)
	return err
}

func objects(section interface{}) []map[string]interface{} {
	data, ok := section.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data[vector.ChunkClass].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		if props, ok := r.(map[string]interface{}); ok {
			out = append(out, props)
		}
	}
	return out
}
