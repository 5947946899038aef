package fusion

import (
	"testing"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

func entityWithName(id, entityType, name string) *graphmodel.Entity {
	return &graphmodel.Entity{
		ID:   id,
		Type: entityType,
		Properties: graphmodel.Properties{
			"name": graphmodel.Scalar(graphmodel.StringScalar(name)),
		},
		Provenance: []graphmodel.Provenance{{SourceID: id}},
	}
}

func TestDeduplicateEntitiesCollapsesSameTypeAndName(t *testing.T) {
	candidates := []*graphmodel.Entity{
		entityWithName("e1", "Person", "Alice Smith"),
		entityWithName("e2", "Person", "  alice   smith "),
		entityWithName("e3", "Company", "Tech Corp"),
	}
	out := DeduplicateEntities(candidates, DeduplicatorConfig{})
	if len(out) != 2 {
		t.Fatalf("expected 2 entities after dedup, got %d", len(out))
	}
	var person *graphmodel.Entity
	for _, e := range out {
		if e.Type == "Person" {
			person = e
		}
	}
	if person == nil {
		t.Fatal("expected a Person entity in output")
	}
	if len(person.Provenance) != 2 {
		t.Errorf("expected concatenated provenance of length 2, got %d", len(person.Provenance))
	}
}

func TestDeduplicateEntitiesPassesThroughWithoutName(t *testing.T) {
	noName := &graphmodel.Entity{ID: "e1", Type: "Thing", Properties: graphmodel.Properties{}}
	out := DeduplicateEntities([]*graphmodel.Entity{noName}, DeduplicatorConfig{})
	if len(out) != 1 {
		t.Fatalf("expected passthrough entity preserved, got %d", len(out))
	}
}

func TestDeduplicateRelationsMergesOnCollision(t *testing.T) {
	relations := []*graphmodel.Relation{
		{ID: "r1", Type: "WORKS_AT", SourceID: "e1", TargetID: "e2", Properties: graphmodel.Properties{
			"since": graphmodel.Scalar(graphmodel.NumberScalar(2020)),
		}},
		{ID: "r2", Type: "WORKS_AT", SourceID: "e1", TargetID: "e2", Properties: graphmodel.Properties{
			"since": graphmodel.Scalar(graphmodel.NumberScalar(2021)),
		}},
	}
	out := DeduplicateRelations(relations, DeduplicatorConfig{})
	if len(out) != 1 {
		t.Fatalf("expected 1 relation after dedup, got %d", len(out))
	}
	since := out[0].Properties["since"].Scalar.Num
	if since != 2021 {
		t.Errorf("expected later value 2021 to win, got %v", since)
	}
}
