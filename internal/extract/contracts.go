// Package extract defines the external contracts the pipelines call
// out to — entity/relation extraction, embeddings, and document
// parsing — plus the default in-repo implementations used for
// testability, since the extraction model itself is out of scope.
package extract

import (
	"context"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// EntityExtractor finds candidate entities in a chunk of text,
// optionally restricted to entityTypes (nil means no restriction).
type EntityExtractor interface {
	ExtractEntities(ctx context.Context, text string, entityTypes []string) ([]*graphmodel.Entity, error)
}

// RelationExtractor finds candidate relations among a set of entities
// already found in the same chunk of text, optionally restricted to
// relationTypes (nil means no restriction).
type RelationExtractor interface {
	ExtractRelations(ctx context.Context, text string, entities []*graphmodel.Entity, relationTypes []string) ([]*graphmodel.Relation, error)
}

// EmbeddingProvider produces a vector embedding for a piece of text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// DocumentParser extracts plain text from a document at path.
type DocumentParser interface {
	Parse(ctx context.Context, path string) (string, error)
}
