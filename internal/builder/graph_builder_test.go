package builder

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
	"github.com/quantumflow/kgbuilder/internal/graphstore"
)

// fakeEntityExtractor finds any of a fixed set of known names as a
// literal substring of the text and returns one entity per match.
type fakeEntityExtractor struct {
	known map[string]string // name -> type
}

func (f *fakeEntityExtractor) ExtractEntities(ctx context.Context, text string, entityTypes []string) ([]*graphmodel.Entity, error) {
	var out []*graphmodel.Entity
	for name, typ := range f.known {
		if strings.Contains(text, name) {
			id := strings.ToLower(strings.ReplaceAll(name, " ", "_"))
			out = append(out, &graphmodel.Entity{
				ID:   id,
				Type: typ,
				Properties: graphmodel.Properties{
					"name": graphmodel.Scalar(graphmodel.StringScalar(name)),
				},
			})
		}
	}
	return out, nil
}

// fakeRelationExtractor links the first two entities found, in order.
type fakeRelationExtractor struct{}

func (fakeRelationExtractor) ExtractRelations(ctx context.Context, text string, entities []*graphmodel.Entity, relationTypes []string) ([]*graphmodel.Relation, error) {
	if len(entities) < 2 {
		return nil, nil
	}
	return []*graphmodel.Relation{{
		ID:       fmt.Sprintf("rel_%s_%s", entities[0].ID, entities[1].ID),
		Type:     "RELATED_TO",
		SourceID: entities[0].ID,
		TargetID: entities[1].ID,
	}}, nil
}

func newTestStore(t *testing.T) *graphstore.MemoryStore {
	t.Helper()
	s := graphstore.NewMemoryStore(graphstore.PolicyUpdateMerge, graphstore.OptimizerConfig{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestBuildFromTextPersistsEntitiesAndRelations(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	extractor := &fakeEntityExtractor{known: map[string]string{"Alice": "Person", "Bob": "Person"}}
	gb := NewGraphBuilder(store, extractor, fakeRelationExtractor{}, DefaultConfig())

	result, err := gb.BuildFromText(ctx, "Alice works with Bob.", "doc-1", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("BuildFromText: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.EntitiesAdded != 2 {
		t.Errorf("expected 2 entities added, got %d", result.EntitiesAdded)
	}
	if result.RelationsAdded != 1 {
		t.Errorf("expected 1 relation added, got %d", result.RelationsAdded)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.EntityCount != 2 {
		t.Errorf("expected store to hold 2 entities, got %d", stats.EntityCount)
	}
}

func TestBuildFromTextLinksAgainstExistingEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AddEntity(ctx, &graphmodel.Entity{
		ID:   "existing_alice",
		Type: "Person",
		Properties: graphmodel.Properties{
			"name": graphmodel.Scalar(graphmodel.StringScalar("alice")),
		},
	}); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}

	extractor := &fakeEntityExtractor{known: map[string]string{"Alice": "Person"}}
	gb := NewGraphBuilder(store, extractor, fakeRelationExtractor{}, DefaultConfig())

	result, err := gb.BuildFromText(ctx, "Alice was mentioned again.", "doc-2", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("BuildFromText: %v", err)
	}
	if result.EntitiesLinked != 1 {
		t.Errorf("expected 1 entity linked, got %d (errors: %v)", result.EntitiesLinked, result.Errors)
	}
	if result.EntitiesAdded != 0 {
		t.Errorf("expected 0 new entities, got %d", result.EntitiesAdded)
	}
}

func TestBuildFromTextNoEntitiesExtractedWarns(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	extractor := &fakeEntityExtractor{known: map[string]string{"Alice": "Person"}}
	gb := NewGraphBuilder(store, extractor, fakeRelationExtractor{}, DefaultConfig())

	result, err := gb.BuildFromText(ctx, "No names here.", "doc-3", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("BuildFromText: %v", err)
	}
	if !result.Success {
		t.Error("expected success with zero entities")
	}
	found := false
	for _, w := range result.Warnings {
		if w == "no entities extracted" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'no entities extracted' warning, got %v", result.Warnings)
	}
}

func TestBuildFromTextFiresProgressCheckpointsInOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	extractor := &fakeEntityExtractor{known: map[string]string{"Alice": "Person", "Bob": "Person"}}
	gb := NewGraphBuilder(store, extractor, fakeRelationExtractor{}, DefaultConfig())

	var seen []ProgressCheckpoint
	_, err := gb.BuildFromText(ctx, "Alice works with Bob.", "doc-4", nil, nil, nil, func(c ProgressCheckpoint, pct float64) {
		seen = append(seen, c)
		panic("progress callbacks must never abort a build")
	})
	if err != nil {
		t.Fatalf("BuildFromText: %v", err)
	}
	want := []ProgressCheckpoint{CheckpointExtractDone, CheckpointDedupeDone, CheckpointLinkDone, CheckpointValidateDone, CheckpointPersistDone}
	if len(seen) != len(want) {
		t.Fatalf("expected %d checkpoints, got %v", len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("checkpoint %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestBuildBatchSequentialAndParallel(t *testing.T) {
	ctx := context.Background()
	extractor := &fakeEntityExtractor{known: map[string]string{"Alice": "Person", "Bob": "Person", "Carol": "Person"}}
	texts := []string{"Alice and Bob.", "Bob and Carol.", "Carol and Alice."}

	for _, parallel := range []bool{false, true} {
		store := newTestStore(t)
		gb := NewGraphBuilder(store, extractor, fakeRelationExtractor{}, DefaultConfig())
		results, err := gb.BuildBatch(ctx, texts, nil, parallel, 2)
		if err != nil {
			t.Fatalf("BuildBatch(parallel=%v): %v", parallel, err)
		}
		if len(results) != len(texts) {
			t.Fatalf("expected %d results, got %d", len(texts), len(results))
		}
		for i, r := range results {
			if r == nil || !r.Success {
				t.Errorf("parallel=%v result[%d] not successful: %+v", parallel, i, r)
			}
		}
	}
}

func TestBuildBatchRejectsMismatchedSources(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gb := NewGraphBuilder(store, &fakeEntityExtractor{}, fakeRelationExtractor{}, DefaultConfig())

	_, err := gb.BuildBatch(ctx, []string{"a", "b"}, []string{"only-one"}, false, 0)
	if err == nil {
		t.Fatal("expected an error for mismatched texts/sources length")
	}
	var mismatch *ErrBatchSizeMismatch
	if !asErrBatchSizeMismatch(err, &mismatch) {
		t.Errorf("expected *ErrBatchSizeMismatch, got %T: %v", err, err)
	}
}

func asErrBatchSizeMismatch(err error, target **ErrBatchSizeMismatch) bool {
	if e, ok := err.(*ErrBatchSizeMismatch); ok {
		*target = e
		return true
	}
	return false
}

func TestValidateRelationsRejectsUndeclaredTripleDuringBuild(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	extractor := &fakeEntityExtractor{known: map[string]string{"Alice": "Person", "Bob": "Person"}}
	cfg := DefaultConfig()
	cfg.Schema = graphmodel.NewSchema()
	cfg.Schema.EntityTypes["Person"] = struct{}{}
	// No relation types declared, so RELATED_TO is never an allowed triple.
	gb := NewGraphBuilder(store, extractor, fakeRelationExtractor{}, cfg)

	result, err := gb.BuildFromText(ctx, "Alice works with Bob.", "doc-5", nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("BuildFromText: %v", err)
	}
	if result.RelationsAdded != 0 {
		t.Errorf("expected relation to be rejected by schema, got %d added", result.RelationsAdded)
	}
	if len(result.Warnings) == 0 {
		t.Error("expected a validation warning for the undeclared triple")
	}
}
