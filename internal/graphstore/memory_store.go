package graphstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// MemoryStore is the in-process reference GraphStore backend: maps
// guarded by a single RWMutex, no persistence. It is the default
// backend used by the pipeline's own tests (the original ships an
// equivalent InMemoryGraphStore for the same reason — a concrete store
// is needed to exercise the pipeline without a running database).
type MemoryStore struct {
	mu        sync.RWMutex
	optimizer *PropertyOptimizer
	policy    WritePolicy

	entities  map[string]*graphmodel.Entity
	relations map[string]*graphmodel.Relation
	byType    map[string]map[string]struct{} // entity type -> id set
	embedDim  int

	initialized bool
}

// NewMemoryStore builds a MemoryStore with the given write policy and
// property-optimizer configuration.
func NewMemoryStore(policy WritePolicy, optCfg OptimizerConfig) *MemoryStore {
	return &MemoryStore{
		optimizer: NewPropertyOptimizer(optCfg),
		policy:    policy,
		entities:  make(map[string]*graphmodel.Entity),
		relations: make(map[string]*graphmodel.Relation),
		byType:    make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	return nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	return nil
}

func (s *MemoryStore) requireInit() error {
	if !s.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (s *MemoryStore) AddEntity(ctx context.Context, e *graphmodel.Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addEntityLocked(e)
}

func (s *MemoryStore) addEntityLocked(e *graphmodel.Entity) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	if e.Embedding != nil {
		if s.embedDim == 0 {
			s.embedDim = len(e.Embedding)
		} else if len(e.Embedding) != s.embedDim {
			return "", fmt.Errorf("%w: got %d want %d", ErrDimensionMismatch, len(e.Embedding), s.embedDim)
		}
	}

	existing, exists := s.entities[e.ID]
	if exists {
		switch s.policy {
		case PolicyReject:
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		case PolicyUpdateMerge:
			s.optimizer.UnindexEntity(e.ID, existing.Properties)
			existing.Properties = existing.Properties.Merge(e.Properties, nil)
			if e.Embedding != nil {
				existing.Embedding = e.Embedding
			}
			existing.Provenance = append(existing.Provenance, e.Provenance...)
			s.optimizer.IndexEntity(e.ID, existing.Properties)
			return e.ID, nil
		}
	}

	clone := e.Clone()
	s.entities[clone.ID] = clone
	set, ok := s.byType[clone.Type]
	if !ok {
		set = make(map[string]struct{})
		s.byType[clone.Type] = set
	}
	set[clone.ID] = struct{}{}
	s.optimizer.IndexEntity(clone.ID, clone.Properties)
	return clone.ID, nil
}

func (s *MemoryStore) AddEntities(ctx context.Context, es []*graphmodel.Entity) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(es))
	for i, e := range es {
		id, err := s.addEntityLocked(e)
		if err != nil {
			return ids[:i], err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *MemoryStore) AddRelation(ctx context.Context, r *graphmodel.Relation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRelationLocked(r)
}

func (s *MemoryStore) addRelationLocked(r *graphmodel.Relation) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	if _, ok := s.entities[r.SourceID]; !ok {
		return "", fmt.Errorf("%w: relation source %s", ErrNotFound, r.SourceID)
	}
	if _, ok := s.entities[r.TargetID]; !ok {
		return "", fmt.Errorf("%w: relation target %s", ErrNotFound, r.TargetID)
	}
	if _, exists := s.relations[r.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}
	clone := r.Clone()
	s.relations[clone.ID] = clone
	return clone.ID, nil
}

func (s *MemoryStore) AddRelations(ctx context.Context, rs []*graphmodel.Relation) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(rs))
	for i, r := range rs {
		id, err := s.addRelationLocked(r)
		if err != nil {
			return ids[:i], err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *MemoryStore) GetEntity(ctx context.Context, id string) (*graphmodel.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	e, ok := s.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (s *MemoryStore) GetRelation(ctx context.Context, id string) (*graphmodel.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	r, ok := s.relations[id]
	if !ok {
		return nil, fmt.Errorf("%w: relation %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) GetEntitiesByType(ctx context.Context, entityType string) ([]*graphmodel.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	set := s.byType[entityType]
	out := make([]*graphmodel.Entity, 0, len(set))
	for id := range set {
		out = append(out, s.entities[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetEntitiesByProperty(ctx context.Context, key string, value graphmodel.ScalarValue) ([]*graphmodel.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if !s.optimizer.IsIndexed(key) {
		return nil, fmt.Errorf("%w: property %s has no index", ErrUnsupportedQuery, key)
	}
	ids := s.optimizer.Lookup(key, value)
	out := make([]*graphmodel.Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) GetNeighbors(ctx context.Context, id string, relationType string, dir Direction) ([]*graphmodel.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if _, ok := s.entities[id]; !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}

	seen := make(map[string]struct{})
	var out []*graphmodel.Entity
	add := func(otherID string) {
		if otherID == "" {
			return
		}
		if _, dup := seen[otherID]; dup {
			return
		}
		if e, ok := s.entities[otherID]; ok {
			seen[otherID] = struct{}{}
			out = append(out, e.Clone())
		}
	}

	for _, r := range s.relations {
		if relationType != "" && r.Type != relationType {
			continue
		}
		if (dir == DirectionOutgoing || dir == DirectionBoth) && r.SourceID == id {
			add(r.TargetID)
		}
		if (dir == DirectionIncoming || dir == DirectionBoth) && r.TargetID == id {
			add(r.SourceID)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graphmodel.Relation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var out []*graphmodel.Relation
	for _, r := range s.relations {
		if r.SourceID != srcID && r.TargetID != srcID {
			continue
		}
		if dstID != "" {
			matches := (r.SourceID == srcID && r.TargetID == dstID) || (r.SourceID == dstID && r.TargetID == srcID)
			if !matches {
				continue
			}
		}
		out = append(out, r.Clone())
	}
	return out, nil
}

func (s *MemoryStore) GetStats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.requireInit(); err != nil {
		return Stats{}, err
	}
	return Stats{EntityCount: len(s.entities), RelationCount: len(s.relations)}, nil
}
