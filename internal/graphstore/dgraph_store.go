package graphstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// dgraphSchema is type-agnostic: every entity is a dgraph.type "Entity"
// node carrying a generic kg.id/kg.type/kg.props triple, rather than one
// predicate set per domain type. Relations are themselves "Relation"
// nodes pointing at their endpoints via kg.from/kg.to, which lets
// GetRelationsByEntity query in either direction off the @reverse edges
// of kg.from and kg.to instead of a predicate per relation type.
const dgraphSchema = `
	type Entity {
		kg.id: string
		kg.type: string
		kg.props: string
		kg.embedding: string
		kg.provenance: string
	}

	type Relation {
		kg.id: string
		kg.type: string
		kg.props: string
		kg.provenance: string
		kg.from: uid
		kg.to: uid
	}

	kg.id: string @index(exact) @upsert .
	kg.type: string @index(exact) .
	kg.props: string .
	kg.embedding: string .
	kg.provenance: string .
	kg.from: uid @reverse .
	kg.to: uid @reverse .
`

// DgraphStore is a GraphStore backend over a Dgraph cluster, generalized
// from the fixed Entity/Relationship predicate pair into arbitrary
// entity and relation types carried as opaque property blobs, the same
// way every other backend in this package stores properties.
type DgraphStore struct {
	client    *dgo.Dgraph
	conn      *grpc.ClientConn
	addr      string
	policy    WritePolicy
	optimizer *PropertyOptimizer
	embedDim  int
}

// NewDgraphStore configures (without dialing) a Dgraph-backed store.
// addr is a gRPC alpha endpoint, e.g. "localhost:9080".
func NewDgraphStore(addr string, policy WritePolicy, optCfg OptimizerConfig) *DgraphStore {
	return &DgraphStore{
		addr:      addr,
		policy:    policy,
		optimizer: NewPropertyOptimizer(optCfg),
	}
}

func (s *DgraphStore) Initialize(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	conn, err := grpc.Dial(s.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("%w: dial dgraph: %v", ErrBackend, err)
	}
	client := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	if err := client.Alter(ctx, &api.Operation{Schema: dgraphSchema}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: alter schema: %v", ErrBackend, err)
	}
	s.conn = conn
	s.client = client
	return nil
}

func (s *DgraphStore) Close(ctx context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.client = nil
	return err
}

func (s *DgraphStore) requireInit() error {
	if s.client == nil {
		return ErrNotInitialized
	}
	return nil
}

type dgraphEntityNode struct {
	UID         string `json:"uid,omitempty"`
	DgraphType  string `json:"dgraph.type,omitempty"`
	ID          string `json:"kg.id"`
	Type        string `json:"kg.type"`
	Props       string `json:"kg.props"`
	Embedding   string `json:"kg.embedding,omitempty"`
	Provenance  string `json:"kg.provenance,omitempty"`
}

type dgraphRelationNode struct {
	UID        string           `json:"uid,omitempty"`
	DgraphType string           `json:"dgraph.type,omitempty"`
	ID         string           `json:"kg.id"`
	Type       string           `json:"kg.type"`
	Props      string           `json:"kg.props"`
	Provenance string           `json:"kg.provenance,omitempty"`
	From       *dgraphUIDRef    `json:"kg.from,omitempty"`
	To         *dgraphUIDRef    `json:"kg.to,omitempty"`
}

type dgraphUIDRef struct {
	UID string `json:"uid"`
}

func (s *DgraphStore) findEntityUID(ctx context.Context, id string) (string, error) {
	q := fmt.Sprintf(`{
		q(func: eq(kg.id, %q)) {
			uid
		}
	}`, id)
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var result struct {
		Q []struct {
			UID string `json:"uid"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(result.Q) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return result.Q[0].UID, nil
}

func (s *DgraphStore) AddEntity(ctx context.Context, e *graphmodel.Entity) (string, error) {
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

	existingUID, findErr := s.findEntityUID(ctx, e.ID)
	exists := findErr == nil

	finalProps := e.Properties
	embedding := e.Embedding
	provenance := e.Provenance

	if exists {
		if s.policy == PolicyReject {
			return "", fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		prior, err := s.GetEntity(ctx, e.ID)
		if err != nil {
			return "", err
		}
		finalProps = prior.Properties.Merge(e.Properties, nil)
		if embedding == nil {
			embedding = prior.Embedding
		}
		provenance = append(prior.Provenance, e.Provenance...)
	}

	propsBlob, err := s.optimizer.EncodeProperties(finalProps)
	if err != nil {
		return "", err
	}
	embBytes, err := encodeFloat32SliceDgraph(embedding)
	if err != nil {
		return "", err
	}
	provBytes, err := encodeEnvelope(provenance)
	if err != nil {
		return "", err
	}

	node := dgraphEntityNode{
		DgraphType: "Entity",
		ID:         e.ID,
		Type:       e.Type,
		Props:      string(propsBlob),
		Embedding:  string(embBytes),
		Provenance: string(provBytes),
	}
	if exists {
		node.UID = existingUID
	} else {
		node.UID = "_:new"
	}

	payload, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	txn := s.client.NewTxn()
	defer txn.Discard(ctx)
	if _, err := txn.Mutate(ctx, &api.Mutation{SetJson: payload, CommitNow: true}); err != nil {
		return "", fmt.Errorf("%w: mutate entity: %v", ErrBackend, err)
	}

	s.optimizer.IndexEntity(e.ID, finalProps)
	return e.ID, nil
}

func encodeFloat32SliceDgraph(v []float32) ([]byte, error) { return encodeEnvelope(v) }

func (s *DgraphStore) AddEntities(ctx context.Context, es []*graphmodel.Entity) ([]string, error) {
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

func (s *DgraphStore) AddRelation(ctx context.Context, r *graphmodel.Relation) (string, error) {
	if err := s.requireInit(); err != nil {
		return "", err
	}
	fromUID, err := s.findEntityUID(ctx, r.SourceID)
	if err != nil {
		return "", fmt.Errorf("relation source: %w", err)
	}
	toUID, err := s.findEntityUID(ctx, r.TargetID)
	if err != nil {
		return "", fmt.Errorf("relation target: %w", err)
	}
	if _, err := s.findRelationUID(ctx, r.ID); err == nil {
		return "", fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
	}

	propsBlob, err := s.optimizer.EncodeProperties(r.Properties)
	if err != nil {
		return "", err
	}
	provBytes, err := encodeEnvelope(r.Provenance)
	if err != nil {
		return "", err
	}

	node := dgraphRelationNode{
		UID:        "_:newrel",
		DgraphType: "Relation",
		ID:         r.ID,
		Type:       r.Type,
		Props:      string(propsBlob),
		Provenance: string(provBytes),
		From:       &dgraphUIDRef{UID: fromUID},
		To:         &dgraphUIDRef{UID: toUID},
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackend, err)
	}

	txn := s.client.NewTxn()
	defer txn.Discard(ctx)
	if _, err := txn.Mutate(ctx, &api.Mutation{SetJson: payload, CommitNow: true}); err != nil {
		return "", fmt.Errorf("%w: mutate relation: %v", ErrBackend, err)
	}
	return r.ID, nil
}

func (s *DgraphStore) findRelationUID(ctx context.Context, id string) (string, error) {
	return s.findEntityUID(ctx, id)
}

func (s *DgraphStore) AddRelations(ctx context.Context, rs []*graphmodel.Relation) ([]string, error) {
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

func (s *DgraphStore) GetEntity(ctx context.Context, id string) (*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`{
		q(func: eq(kg.id, %q)) {
			kg.id
			kg.type
			kg.props
			kg.embedding
			kg.provenance
		}
	}`, id)
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var result struct {
		Q []dgraphEntityNode `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(result.Q) == 0 {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return s.entityFromNode(result.Q[0])
}

func (s *DgraphStore) entityFromNode(n dgraphEntityNode) (*graphmodel.Entity, error) {
	props, err := s.optimizer.DecodeProperties([]byte(n.Props))
	if err != nil {
		return nil, err
	}
	var embedding []float32
	if n.Embedding != "" {
		if err := decodeEnvelope([]byte(n.Embedding), &embedding); err != nil {
			return nil, err
		}
	}
	var provenance []graphmodel.Provenance
	if n.Provenance != "" {
		if err := decodeEnvelope([]byte(n.Provenance), &provenance); err != nil {
			return nil, err
		}
	}
	return &graphmodel.Entity{ID: n.ID, Type: n.Type, Properties: props, Embedding: embedding, Provenance: provenance}, nil
}

func (s *DgraphStore) GetRelation(ctx context.Context, id string) (*graphmodel.Relation, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`{
		q(func: eq(kg.id, %q)) {
			kg.id
			kg.type
			kg.props
			kg.provenance
			kg.from { kg.id }
			kg.to { kg.id }
		}
	}`, id)
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var result struct {
		Q []struct {
			dgraphRelationNode
			From struct {
				ID string `json:"kg.id"`
			} `json:"kg.from"`
			To struct {
				ID string `json:"kg.id"`
			} `json:"kg.to"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(result.Q) == 0 {
		return nil, fmt.Errorf("%w: relation %s", ErrNotFound, id)
	}
	n := result.Q[0]
	props, err := s.optimizer.DecodeProperties([]byte(n.Props))
	if err != nil {
		return nil, err
	}
	var provenance []graphmodel.Provenance
	if n.Provenance != "" {
		if err := decodeEnvelope([]byte(n.Provenance), &provenance); err != nil {
			return nil, err
		}
	}
	return &graphmodel.Relation{
		ID: n.ID, Type: n.Type, SourceID: n.From.ID, TargetID: n.To.ID,
		Properties: props, Provenance: provenance,
	}, nil
}

func (s *DgraphStore) GetEntitiesByType(ctx context.Context, entityType string) ([]*graphmodel.Entity, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`{
		q(func: eq(kg.type, %q)) @filter(type(Entity)) {
			kg.id
			kg.type
			kg.props
			kg.embedding
			kg.provenance
		}
	}`, entityType)
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var result struct {
		Q []dgraphEntityNode `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	out := make([]*graphmodel.Entity, 0, len(result.Q))
	for _, n := range result.Q {
		e, err := s.entityFromNode(n)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// GetEntitiesByProperty is served entirely by the PropertyOptimizer's
// in-process inverted index, same as every other backend: Dgraph's own
// predicate indices only cover kg.id/kg.type, since kg.props is an
// opaque blob.
func (s *DgraphStore) GetEntitiesByProperty(ctx context.Context, key string, value graphmodel.ScalarValue) ([]*graphmodel.Entity, error) {
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

func (s *DgraphStore) GetNeighbors(ctx context.Context, id string, relationType string, dir Direction) ([]*graphmodel.Entity, error) {
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

func (s *DgraphStore) GetRelationsByEntity(ctx context.Context, srcID, dstID string) ([]*graphmodel.Relation, error) {
	if err := s.requireInit(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`{
		q(func: eq(kg.id, %q)) {
			out: ~kg.from {
				kg.id
				kg.type
				kg.props
				kg.provenance
				kg.from { kg.id }
				kg.to { kg.id }
			}
			in: ~kg.to {
				kg.id
				kg.type
				kg.props
				kg.provenance
				kg.from { kg.id }
				kg.to { kg.id }
			}
		}
	}`, srcID)
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	type relNode struct {
		dgraphRelationNode
		From struct {
			ID string `json:"kg.id"`
		} `json:"kg.from"`
		To struct {
			ID string `json:"kg.id"`
		} `json:"kg.to"`
	}
	var result struct {
		Q []struct {
			Out []relNode `json:"out"`
			In  []relNode `json:"in"`
		} `json:"q"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if len(result.Q) == 0 {
		return nil, nil
	}

	seen := make(map[string]struct{})
	var out []*graphmodel.Relation
	collect := func(nodes []relNode) {
		for _, n := range nodes {
			if dstID != "" {
				matches := (n.From.ID == srcID && n.To.ID == dstID) || (n.From.ID == dstID && n.To.ID == srcID)
				if !matches {
					continue
				}
			}
			if _, dup := seen[n.ID]; dup {
				continue
			}
			props, err := s.optimizer.DecodeProperties([]byte(n.Props))
			if err != nil {
				continue
			}
			var provenance []graphmodel.Provenance
			if n.Provenance != "" {
				_ = decodeEnvelope([]byte(n.Provenance), &provenance)
			}
			seen[n.ID] = struct{}{}
			out = append(out, &graphmodel.Relation{
				ID: n.ID, Type: n.Type, SourceID: n.From.ID, TargetID: n.To.ID,
				Properties: props, Provenance: provenance,
			})
		}
	}
	collect(result.Q[0].Out)
	collect(result.Q[0].In)
	return out, nil
}

func (s *DgraphStore) GetStats(ctx context.Context) (Stats, error) {
	if err := s.requireInit(); err != nil {
		return Stats{}, err
	}
	q := `{
		entities(func: type(Entity)) { count(uid) }
		relations(func: type(Relation)) { count(uid) }
	}`
	txn := s.client.NewReadOnlyTxn()
	defer txn.Discard(ctx)
	resp, err := txn.Query(ctx, q)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var result struct {
		Entities []struct {
			Count int `json:"count"`
		} `json:"entities"`
		Relations []struct {
			Count int `json:"count"`
		} `json:"relations"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var stats Stats
	if len(result.Entities) > 0 {
		stats.EntityCount = result.Entities[0].Count
	}
	if len(result.Relations) > 0 {
		stats.RelationCount = result.Relations[0].Count
	}
	return stats, nil
}
