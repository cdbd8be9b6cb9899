package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ChunkClass is the Weaviate class holding transcript chunks of every index.
const ChunkClass = "TranscriptChunk"

// SchemaClient covers the Weaviate schema operations EnsureSchema needs.
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

func chunkProperties() []*models.Property {
	return []*models.Property{
		{Name: "indexId", DataType: []string{"string"}},
		{Name: "documentId", DataType: []string{"string"}},
		{Name: "sequenceIndex", DataType: []string{"int"}},
		{Name: "startOffset", DataType: []string{"int"}},
		{Name: "startSeconds", DataType: []string{"number"}},
		{Name: "content", DataType: []string{"text"}},
		{Name: "url", DataType: []string{"string"}},
		{Name: "title", DataType: []string{"text"}},
	}
}

// EnsureSchema creates the chunk class, or adds properties missing from an
// existing one.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ChunkClass)
	if err != nil {
		return err
	}

	properties := chunkProperties()
	if !exists {
		return client.CreateClass(ctx, &models.Class{
			Class:       ChunkClass,
			Description: "A chunk of a video transcript",
			Vectorizer:  "none",
			Properties:  properties,
		})
	}

	class, err := client.GetClass(ctx, ChunkClass)
	if err != nil {
		return err
	}

	existing := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		existing[p.Name] = true
	}
	for _, p := range properties {
		if existing[p.Name] {
			continue
		}
		if err := client.AddProperty(ctx, ChunkClass, p); err != nil {
			return err
		}
	}
	return nil
}
