package graphstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// SQLiteStore is a relational GraphStore backend. spec.md §1 names "SQL"
// explicitly as a plausible backend implementation; this is that
// implementation, built on github.com/mattn/go-sqlite3 (listed in the
// teacher's go.mod but never imported by any copied teacher .go file —
// this is its first real use). Property mappings and provenance are
// stored as the PropertyOptimizer-produced blob in a BLOB column rather
// than normalized columns, keeping the sparse/compression switches
// uniform across every backend.
type SQLiteStore struct {
	db        *sql.DB
	dsn       string
	policy    WritePolicy
	optimizer *PropertyOptimizer
	embedDim  int
}

// NewSQLiteStore configures (without opening) a SQLite-backed store. dsn
// is any go-sqlite3 data source name, e.g. "file:graph.db?cache=shared"
// or ":memory:".
func NewSQLiteStore(dsn string, policy WritePolicy, optCfg OptimizerConfig) *SQLiteStore {
	return &SQLiteStore{
		dsn:       dsn,
		policy:    policy,
		optimizer: NewPropertyOptimizer(optCfg),
	}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entities (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	embedding BLOB,
	provenance BLOB,
	props BLOB
);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(type);

CREATE TABLE IF NOT EXISTS relations (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	provenance BLOB,
	props BLOB,
	FOREIGN KEY(source_id) REFERENCES entities(id),
	FOREIGN KEY(target_id) REFERENCES entities(id)
);
CREATE INDEX IF NOT EXISTS idx_relations_source ON relations(source_id);
CREATE INDEX IF NOT EXISTS idx_relations_target ON relations(target_id);
`

func (s *SQLiteStore) Initialize(ctx context.Context) error {
	if s.db != nil {
		return nil
	}
	db, err := sql.Open("sqlite3", s.dsn)
	if err != nil {
		return fmt.Errorf("%w: open sqlite: %v", ErrBackend, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return fmt.Errorf("%w: apply schema: %v", ErrBackend, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) requireInit() error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return nil
}

func encodeFloat32Slice(v []float32) ([]byte, error) { return encodeEnvelope(v) }
func decodeFloat32Slice(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []float32
	if err := decodeEnvelope(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func encodeProvenance(v []graphmodel.Provenance) ([]byte, error) { return encodeEnvelope(v) }
func decodeProvenance(data []byte) ([]graphmodel.Provenance, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []graphmodel.Provenance
	if err := decodeEnvelope(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) AddEntity(ctx context.Context, e *graphmodel.Entity) (string, error) {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer tx.Rollback()

	var existingType string
	var existingPropsBlob, existingEmbedding, existingProv []byte
	row := tx.QueryRowContext(ctx, `SELECT type, embedding, provenance, props FROM entities WHERE id = ?`, e.ID)
	scanErr := row.Scan(&existingType, &existingEmbedding, &existingProv, &existingPropsBlob)
	exists := scanErr == nil
	if scanErr != nil && scanErr != sql.ErrNoRows {
		return "", fmt.Errorf("%w: %v", ErrBackend, scanErr)
	}

	var finalProps graphmodel.Properties

	if exists {
		if s.policy == PolicyReject {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		priorProps, err := s.optimizer.DecodeProperties(existingPropsBlob)
		if err != nil {
			return "", err
		}
		finalProps = priorProps.Merge(e.Properties, nil)
		embedding, err := decodeFloat32Slice(existingEmbedding)
		if err != nil {
			return "", err
		}
		if e.Embedding != nil {
			embedding = e.Embedding
		}
		priorProv, err := decodeProvenance(existingProv)
		if err != nil {
			return "", err
		}
		blob, err := s.optimizer.EncodeProperties(finalProps)
		if err != nil {
			return "", err
		}
		embBytes, err := encodeFloat32Slice(embedding)
		if err != nil {
			return "", err
		}
		provBytes, err := encodeProvenance(append(priorProv, e.Provenance...))
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE entities SET embedding = ?, provenance = ?, props = ? WHERE id = ?`,
			embBytes, provBytes, blob, e.ID); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackend, err)
		}
	} else {
		finalProps = e.Properties
		blob, err := s.optimizer.EncodeProperties(e.Properties)
		if err != nil {
			return "", err
		}
		embBytes, err := encodeFloat32Slice(e.Embedding)
		if err != nil {
			return "", err
		}
		provBytes, err := encodeProvenance(e.Provenance)
		if err != nil {
			return "", err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO entities(id, type, embedding, provenance, props) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.Type, embBytes, provBytes, blob); err != nil {
			return "", fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	s.optimizer.IndexEntity(e.ID, finalProps)
	return e.ID, nil
}

func (s *SQLiteStore) AddEntities(ctx context.Context, es []*graphmodel.Entity) ([]string, error) {
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

func (s *SQLiteStore) AddRelation(ctx context.Context, r *graphmodel.Relation) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entities WHERE id = ?`, r.SourceID).Scan(&exists); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if exists == 0 {
		return "", fmt.Errorf("%w: relation source %s", ErrNotFound, r.SourceID)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entities WHERE id = ?`, r.TargetID).Scan(&exists); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if exists == 0 {
		return "", fmt.Errorf("%w: relation target %s", ErrNotFound, r.TargetID)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM relations WHERE id = ?`, r.ID).Scan(&exists); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if exists > 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}

	blob, err := s.optimizer.EncodeProperties(r.Properties)
	if err != nil {
		return "", err
	}
	provBytes, err := encodeProvenance(r.Provenance)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO relations(id, type, source_id, target_id, provenance, props) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.SourceID, r.TargetID, provBytes, blob); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return r.ID, nil
}

func (s *SQLiteStore) AddRelations(ctx context.Context, rs []*graphmodel.Relation) ([]string, error) {
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

func (s *SQLiteStore) scanEntity(row *sql.Row, id string) (*graphmodel.Entity, error) {
	var entType string
	var embBytes, provBytes, propsBytes []byte
	if err := row.Scan(&entType, &embBytes, &provBytes, &propsBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	props, err := s.optimizer.DecodeProperties(propsBytes)
	if err != nil {
		return nil, err
	}
	embedding, err := decodeFloat32Slice(embBytes)
	if err != nil {
		return nil, err
	}
	prov, err := decodeProvenance(provBytes)
	if err != nil {
		return nil, err
	}
	return &graphmodel.Entity{ID: id, Type: entType, Properties: props, Embedding: embedding, Provenance: prov}, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT type, embedding, provenance, props FROM entities WHERE id = ?`, id)
	return s.scanEntity(row, id)
}

func (s *SQLiteStore) GetRelation(ctx context.Context, id string) (*graphmodel.Relation, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var relType, sourceID, targetID string
	var provBytes, propsBytes []byte
	row := s.db.QueryRowContext(ctx, `SELECT type, source_id, target_id, provenance, props FROM relations WHERE id = ?`, id)
	if err := row.Scan(&relType, &sourceID, &targetID, &provBytes, &propsBytes); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: relation %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	props, err := s.optimizer.DecodeProperties(propsBytes)
	if err != nil {
		return nil, err
	}
	prov, err := decodeProvenance(provBytes)
	if err != nil {
		return nil, err
	}
	return &graphmodel.Relation{ID: id, Type: relType, SourceID: sourceID, TargetID: targetID, Properties: props, Provenance: prov}, nil
}

func (s *SQLiteStore) GetEntitiesByType(ctx context.Context, entityType string) ([]*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM entities WHERE type = ?`, entityType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		ids = append(ids, id)
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

func (s *SQLiteStore) GetEntitiesByProperty(ctx context.Context, key string, value graphmodel.ScalarValue) ([]*graphmodel.Entity, error) {
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

func (s *SQLiteStore) GetNeighbors(ctx context.Context, id string, relationType string, dir Direction) ([]*graphmodel.Entity, error) {
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

func (s *SQLiteStore) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graphmodel.Relation, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	var rows *sql.Rows
	var err error
	if dstID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM relations WHERE source_id = ? OR target_id = ?`, srcID, srcID)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM relations WHERE (source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?)`,
			srcID, dstID, dstID, srcID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		ids = append(ids, id)
	}
	out := make([]*graphmodel.Relation, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRelation(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLiteStore) GetStats(ctx context.Context) (Stats, error) {
	if err := s.requireInit(); err != nil {
		return Stats{}, err
	}
	var stats Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM entities`).Scan(&stats.EntityCount); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM relations`).Scan(&stats.RelationCount); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return stats, nil
}
