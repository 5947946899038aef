package extract

import (
	"context"
	"os"
	"strings"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// SimpleEmbedding is a deterministic, dependency-free EmbeddingProvider
// used for tests and as a default when no real embedding model is
// configured: it hashes words into a fixed-width vector, the same
// shortcut the teacher's own SimpleEmbedding takes.
type SimpleEmbedding struct {
	dimensions int
}

// NewSimpleEmbedding builds a SimpleEmbedding producing vectors of the
// given width.
func NewSimpleEmbedding(dimensions int) *SimpleEmbedding {
	return &SimpleEmbedding{dimensions: dimensions}
}

func (e *SimpleEmbedding) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)
	words := strings.Fields(strings.ToLower(text))
	for _, w := range words {
		h := simpleHash(w)
		idx := int(h) % e.dimensions
		if idx < 0 {
			idx += e.dimensions
		}
		vec[idx]++
	}
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		scale := float32(1) / sqrt32(norm)
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (e *SimpleEmbedding) Dimensions() int { return e.dimensions }

func simpleHash(s string) uint32 {
	hash := uint32(0)
	for _, c := range s {
		hash = hash*31 + uint32(c)
	}
	return hash
}

func sqrt32(x float32) float32 {
	if x <= 0 {
		return 0
	}
	result := x
	for i := 0; i < 10; i++ {
		result = (result + x/result) / 2
	}
	return result
}

// NoOpEntityExtractor returns no entities; it is a placeholder for
// wiring the pipeline together before a real extractor is configured.
type NoOpEntityExtractor struct{}

func (NoOpEntityExtractor) ExtractEntities(ctx context.Context, text string, entityTypes []string) ([]*graphmodel.Entity, error) {
	return nil, nil
}

// NoOpRelationExtractor returns no relations.
type NoOpRelationExtractor struct{}

func (NoOpRelationExtractor) ExtractRelations(ctx context.Context, text string, entities []*graphmodel.Entity, relationTypes []string) ([]*graphmodel.Relation, error) {
	return nil, nil
}

// PlainTextParser reads a file from disk as-is; it detects no
// structure and performs no OCR or format conversion.
type PlainTextParser struct{}

func (PlainTextParser) Parse(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
