package graphstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// key prefixes mirror the "workflow:pattern:" style namespacing used by
// BadgerProceduralStore in the teacher repo.
const (
	badgerEntityPrefix      = "graph:entity:"
	badgerRelationPrefix    = "graph:relation:"
	badgerTypeIndexPrefix   = "graph:type:" // graph:type:<type>:<id> -> ""
)

// BadgerStore is an embedded, persistent GraphStore backend built on
// BadgerDB, grounded directly on internal/memory/procedural.go
// (BadgerProceduralStore): same badger.DefaultOptions/db.Update/db.View
// and prefix-iterator idiom, repurposed from workflow-pattern keys to
// entity/relation keys.
type BadgerStore struct {
	db        *badger.DB
	path      string
	policy    WritePolicy
	optimizer *PropertyOptimizer
	embedDim  int
}

// NewBadgerStore configures (without opening) a Badger-backed store
// rooted at path.
func NewBadgerStore(path string, policy WritePolicy, optCfg OptimizerConfig) *BadgerStore {
	return &BadgerStore{
		path:      path,
		policy:    policy,
		optimizer: NewPropertyOptimizer(optCfg),
	}
}

func (s *BadgerStore) Initialize(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	opts := badger.DefaultOptions(s.path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("%w: open badger: %v", ErrBackend, err)
	}
	s.db = db
	return nil
}

func (s *BadgerStore) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) requireInit() error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return nil
}

func entityKey(id string) []byte   { return []byte(badgerEntityPrefix + id) }
func relationKey(id string) []byte { return []byte(badgerRelationPrefix + id) }
func typeIndexKey(entityType, id string) []byte {
	return []byte(badgerTypeIndexPrefix + entityType + ":" + id)
}

// encodedEntity is the on-disk envelope: everything but the property
// blob, which is handled separately by PropertyOptimizer.
type encodedEntity struct {
	Type      string
	Embedding []float32
	Provenance []graphmodel.Provenance
	PropsBlob []byte
}

func (s *BadgerStore) AddEntity(ctx context.Context, e *graphmodel.Entity) (string, error) {
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

	var finalProps graphmodel.Properties
	err := s.db.Update(func(txn *badger.Txn) error {
		item, getErr := txn.Get(entityKey(e.ID))
		exists := getErr == nil
		if getErr != nil && getErr != badger.ErrKeyNotFound {
			return getErr
		}

		if exists {
			if s.policy == PolicyReject {
				return fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
			}
			var prior encodedEntity
			if err := item.Value(func(val []byte) error { return decodeEnvelope(val, &prior) }); err != nil {
				return err
			}
			priorProps, err := s.optimizer.DecodeProperties(prior.PropsBlob)
			if err != nil {
				return err
			}
			finalProps = priorProps.Merge(e.Properties, nil)
			embedding := prior.Embedding
			if e.Embedding != nil {
				embedding = e.Embedding
			}
			blob, err := s.optimizer.EncodeProperties(finalProps)
			if err != nil {
				return err
			}
			enc := encodedEntity{Type: prior.Type, Embedding: embedding, Provenance: append(prior.Provenance, e.Provenance...), PropsBlob: blob}
			data, err := encodeEnvelope(enc)
			if err != nil {
				return err
			}
			return txn.Set(entityKey(e.ID), data)
		}

		finalProps = e.Properties
		blob, err := s.optimizer.EncodeProperties(e.Properties)
		if err != nil {
			return err
		}
		enc := encodedEntity{Type: e.Type, Embedding: e.Embedding, Provenance: e.Provenance, PropsBlob: blob}
		data, err := encodeEnvelope(enc)
		if err != nil {
			return err
		}
		if err := txn.Set(entityKey(e.ID), data); err != nil {
			return err
		}
		return txn.Set(typeIndexKey(e.Type, e.ID), []byte{})
	})
	if err != nil {
		return "", err
	}
	s.optimizer.IndexEntity(e.ID, finalProps)
	return e.ID, nil
}

func (s *BadgerStore) AddEntities(ctx context.Context, es []*graphmodel.Entity) ([]string, error) {
	ids := make([]string, len(es))
	for i, e := range es {
		id, err := s.AddEntity(ctx, e)
		if err != nil {
			return ids[:i], err
		}
		ids[i] = id
	}
	return ids, nil
}

type encodedRelation struct {
	Type       string
	SourceID   string
	TargetID   string
	Provenance []graphmodel.Provenance
	PropsBlob  []byte
}

func (s *BadgerStore) AddRelation(ctx context.Context, r *graphmodel.Relation) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(entityKey(r.SourceID)); err != nil {
			return fmt.Errorf("%w: relation source %s", ErrNotFound, r.SourceID)
		}
		if _, err := txn.Get(entityKey(r.TargetID)); err != nil {
			return fmt.Errorf("%w: relation target %s", ErrNotFound, r.TargetID)
		}
		if _, err := txn.Get(relationKey(r.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		blob, err := s.optimizer.EncodeProperties(r.Properties)
		if err != nil {
			return err
		}
		enc := encodedRelation{Type: r.Type, SourceID: r.SourceID, TargetID: r.TargetID, Provenance: r.Provenance, PropsBlob: blob}
		data, err := encodeEnvelope(enc)
		if err != nil {
			return err
		}
		return txn.Set(relationKey(r.ID), data)
	})
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

func (s *BadgerStore) AddRelations(ctx context.Context, rs []*graphmodel.Relation) ([]string, error) {
	ids := make([]string, len(rs))
	for i, r := range rs {
		id, err := s.AddRelation(ctx, r)
		if err != nil {
			return ids[:i], err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *BadgerStore) GetEntity(ctx context.Context, id string) (*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var enc encodedEntity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: entity %s", ErrNotFound, id)
			}
			return err
		}
		return item.Value(func(val []byte) error { return decodeEnvelope(val, &enc) })
	})
	if err != nil {
		return nil, err
	}
	props, err := s.optimizer.DecodeProperties(enc.PropsBlob)
	if err != nil {
		return nil, err
	}
	return &graphmodel.Entity{ID: id, Type: enc.Type, Properties: props, Embedding: enc.Embedding, Provenance: enc.Provenance}, nil
}

func (s *BadgerStore) GetRelation(ctx context.Context, id string) (*graphmodel.Relation, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var enc encodedRelation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(relationKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return fmt.Errorf("%w: relation %s", ErrNotFound, id)
			}
			return err
		}
		return item.Value(func(val []byte) error { return decodeEnvelope(val, &enc) })
	})
	if err != nil {
		return nil, err
	}
	props, err := s.optimizer.DecodeProperties(enc.PropsBlob)
	if err != nil {
		return nil, err
	}
	return &graphmodel.Relation{ID: id, Type: enc.Type, SourceID: enc.SourceID, TargetID: enc.TargetID, Properties: props, Provenance: enc.Provenance}, nil
}

func (s *BadgerStore) GetEntitiesByType(ctx context.Context, entityType string) ([]*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(badgerTypeIndexPrefix + entityType + ":")
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			ids = append(ids, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*graphmodel.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntity(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *BadgerStore) GetEntitiesByProperty(ctx context.Context, key string, value graphmodel.ScalarValue) ([]*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	if !s.optimizer.IsIndexed(key) {
		return nil, fmt.Errorf("%w: property %s has no index", ErrUnsupportedQuery, key)
	}
	ids := s.optimizer.Lookup(key, value)
	out := make([]*graphmodel.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEntity(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *BadgerStore) GetNeighbors(ctx context.Context, id string, relationType string, dir Direction) ([]*graphmodel.Entity, error) {
	rels, err := s.GetRelationsByEntity(ctx, id, "")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []*graphmodel.Entity
	for _, r := range rels {
		if relationType != "" && r.Type != relationType {
			continue
		}
		var otherID string
		if (dir == DirectionOutgoing || dir == DirectionBoth) && r.SourceID == id {
			otherID = r.TargetID
		} else if (dir == DirectionIncoming || dir == DirectionBoth) && r.TargetID == id {
			otherID = r.SourceID
		}
		if otherID == "" {
			continue
		}
		if _, dup := seen[otherID]; dup {
			continue
		}
		e, err := s.GetEntity(ctx, otherID)
		if err != nil {
			continue
		}
		seen[otherID] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}

func (s *BadgerStore) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graphmodel.Relation, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var out []*graphmodel.Relation
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerRelationPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var enc encodedRelation
			if err := item.Value(func(val []byte) error { return decodeEnvelope(val, &enc) }); err != nil {
				continue
			}
			if enc.SourceID != srcID && enc.TargetID != srcID {
				continue
			}
			if dstID != "" {
				matches := (enc.SourceID == srcID && enc.TargetID == dstID) || (enc.SourceID == dstID && enc.TargetID == srcID)
				if !matches {
					continue
				}
			}
			id := strings.TrimPrefix(string(item.Key()), badgerRelationPrefix)
			props, err := s.optimizer.DecodeProperties(enc.PropsBlob)
			if err != nil {
				continue
			}
			out = append(out, &graphmodel.Relation{ID: id, Type: enc.Type, SourceID: enc.SourceID, TargetID: enc.TargetID, Properties: props, Provenance: enc.Provenance})
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) GetStats(ctx context.Context) (Stats, error) {
	if err := s.requireInit(); err != nil {
		return Stats{}, err
	}
	var stats Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		entOpts := opts
		entOpts.Prefix = []byte(badgerEntityPrefix)
		it := txn.NewIterator(entOpts)
		for it.Rewind(); it.Valid(); it.Next() {
			stats.EntityCount++
		}
		it.Close()

		relOpts := opts
		relOpts.Prefix = []byte(badgerRelationPrefix)
		it2 := txn.NewIterator(relOpts)
		for it2.Rewind(); it2.Valid(); it2.Next() {
			stats.RelationCount++
		}
		it2.Close()
		return nil
	})
	return stats, err
}
