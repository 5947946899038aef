// Package graphstore defines the pluggable GraphStore interface (C1) and
// ships four concrete backends: an in-process reference store, and
// SQLite, Badger, and Dgraph backed stores. It also implements the
// PropertyOptimizer (C2) switches each backend applies on write/read.
package graphstore

import (
	"context"
	"errors"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// Sentinel errors every backend returns for the conditions spec.md §4.1
// names. Backends wrap these with fmt.Errorf("...: %w", ErrX) so
// errors.Is still matches.
var (
	ErrNotInitialized    = errors.New("graphstore: not initialized")
	ErrDuplicateID       = errors.New("graphstore: duplicate id")
	ErrNotFound          = errors.New("graphstore: not found")
	ErrUnsupportedQuery   = errors.New("graphstore: unsupported query")
	ErrBackend           = errors.New("graphstore: backend error")
	ErrDimensionMismatch  = errors.New("graphstore: embedding dimension mismatch")
)

// Direction constrains a neighbour query to incoming, outgoing, or both.
type Direction int

const (
	DirectionOutgoing Direction = iota
	DirectionIncoming
	DirectionBoth
)

// WritePolicy controls what add_entity does when the id already exists.
type WritePolicy int

const (
	// PolicyReject fails with ErrDuplicateID on a colliding id (default).
	PolicyReject WritePolicy = iota
	// PolicyUpdateMerge merges incoming properties onto the existing
	// entity, with incoming values winning on key conflict.
	PolicyUpdateMerge
)

// Stats summarizes the current contents of a store.
type Stats struct {
	EntityCount   int
	RelationCount int
}

// Store is the narrow, context-first interface every graph backend
// implements. All operations may fail with one of the sentinel errors
// above (wrapped) in addition to a backend-specific cause.
type Store interface {
	// Initialize acquires backend resources. Idempotent.
	Initialize(ctx context.Context) error
	// Close releases backend resources. Idempotent.
	Close(ctx context.Context) error

	AddEntity(ctx context.Context, e *graphmodel.Entity) (string, error)
	AddEntities(ctx context.Context, es []*graphmodel.Entity) ([]string, error)
	AddRelation(ctx context.Context, r *graphmodel.Relation) (string, error)
	AddRelations(ctx context.Context, rs []*graphmodel.Relation) ([]string, error)

	GetEntity(ctx context.Context, id string) (*graphmodel.Entity, error)
	GetRelation(ctx context.Context, id string) (*graphmodel.Relation, error)
	GetEntitiesByType(ctx context.Context, entityType string) ([]*graphmodel.Entity, error)
	// GetEntitiesByProperty may fail with ErrUnsupportedQuery if the
	// backend has no index for key.
	GetEntitiesByProperty(ctx context.Context, key string, value graphmodel.ScalarValue) ([]*graphmodel.Entity, error)

	GetNeighbors(ctx context.Context, id string, relationType string, dir Direction) ([]*graphmodel.Entity, error)
	// GetRelationsByEntity returns relations touching srcID; if dstID is
	// non-empty, it is further restricted to relations between the two.
	GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graphmodel.Relation, error)

	GetStats(ctx context.Context) (Stats, error)
}

// MergeProperties applies the "later wins" merge policy spec.md §4.4/§4.6
// describe: incoming overwrites existing on key conflict.
func MergeProperties(existing, incoming graphmodel.Properties) graphmodel.Properties {
	return existing.Merge(incoming, nil)
}
