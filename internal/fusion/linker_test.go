package fusion

import (
	"context"
	"testing"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
	"github.com/quantumflow/kgbuilder/internal/graphstore"
)

func newTestStore(t *testing.T) *graphstore.MemoryStore {
	t.Helper()
	s := graphstore.NewMemoryStore(graphstore.PolicyUpdateMerge, graphstore.OptimizerConfig{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestLinkerFindsExistingEntity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AddEntity(ctx, entityWithName("existing", "Person", "Alice Smith")); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}

	linker := NewLinker(store, LinkerConfig{})
	candidate := entityWithName("candidate", "Person", "alice smith")
	result, err := linker.Link(ctx, candidate)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !result.Linked {
		t.Fatal("expected candidate to link to existing entity")
	}
	if result.Existing.ID != "existing" {
		t.Errorf("expected match on id 'existing', got %q", result.Existing.ID)
	}
}

func TestLinkerTieBreaksOnPropertyCountThenID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	richer := entityWithName("b-richer", "Person", "Bob Jones")
	richer.Properties["age"] = graphmodel.Scalar(graphmodel.NumberScalar(40))
	if _, err := store.AddEntity(ctx, richer); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	if _, err := store.AddEntity(ctx, entityWithName("a-sparser", "Person", "Bob Jones")); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}

	linker := NewLinker(store, LinkerConfig{})
	result, err := linker.Link(ctx, entityWithName("candidate", "Person", "bob jones"))
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if !result.Linked || result.Existing.ID != "b-richer" {
		t.Errorf("expected tie-break to prefer higher property count, got %+v", result.Existing)
	}
}

func TestLinkerNoMatchForDifferentName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.AddEntity(ctx, entityWithName("e1", "Person", "Alice")); err != nil {
		t.Fatalf("AddEntity: %v", err)
	}
	linker := NewLinker(store, LinkerConfig{})
	result, err := linker.Link(ctx, entityWithName("e2", "Person", "Carol"))
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if result.Linked {
		t.Error("expected no link for unmatched name")
	}
}
