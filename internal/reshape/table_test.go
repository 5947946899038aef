package reshape

import (
	"testing"

	"github.com/quantumflow/kgbuilder/internal/schema"
)

func wideTable() Table {
	return Table{
		Columns: []string{"id", "jan", "feb", "mar"},
		Rows: []schema.Row{
			{"id": "p1", "jan": "10", "feb": "20", "mar": "30"},
			{"id": "p2", "jan": "15", "feb": "25", "mar": "35"},
		},
	}
}

func TestMeltProducesOneRowPerIDVariablePair(t *testing.T) {
	long := Melt(wideTable(), []string{"id"}, []string{"jan", "feb", "mar"}, "variable", "value")
	if len(long.Rows) != 6 {
		t.Fatalf("expected 6 long rows (2 ids x 3 vars), got %d", len(long.Rows))
	}
	for _, r := range long.Rows {
		if r["id"] == nil || r["variable"] == nil || r["value"] == nil {
			t.Errorf("missing field in melted row %+v", r)
		}
	}
}

func TestPivotInvertsMelt(t *testing.T) {
	wide := wideTable()
	long := Melt(wide, []string{"id"}, []string{"jan", "feb", "mar"}, "variable", "value")
	back, err := Pivot(long, "id", "variable", "value")
	if err != nil {
		t.Fatalf("Pivot: %v", err)
	}
	if len(back.Rows) != len(wide.Rows) {
		t.Fatalf("expected %d rows after pivot, got %d", len(wide.Rows), len(back.Rows))
	}
}

func TestPivotFailsOnDuplicatePair(t *testing.T) {
	long := Table{
		Columns: []string{"id", "variable", "value"},
		Rows: []schema.Row{
			{"id": "p1", "variable": "jan", "value": "10"},
			{"id": "p1", "variable": "jan", "value": "99"},
		},
	}
	if _, err := Pivot(long, "id", "variable", "value"); err == nil {
		t.Fatal("expected error for duplicate (index, columns) pair")
	}
}

func TestDetectWideFormat(t *testing.T) {
	wide := wideTable()
	if !DetectWideFormat(wide, []string{"id"}, 2) {
		t.Error("expected 3 non-id columns to exceed threshold of 2")
	}
	if DetectWideFormat(wide, []string{"id"}, 5) {
		t.Error("expected 3 non-id columns not to exceed threshold of 5")
	}
}

func TestSuggestMeltConfigPicksLowCardinalityIDColumn(t *testing.T) {
	wide := wideTable()
	suggestion := SuggestMeltConfig(wide)
	if len(suggestion.IDVars) == 0 {
		t.Fatal("expected at least one suggested id var")
	}
	if len(suggestion.ValueVars) != 3 {
		t.Errorf("expected 3 suggested value vars, got %d", len(suggestion.ValueVars))
	}
}

func TestGenerateNormalizedMappingShape(t *testing.T) {
	m := GenerateNormalizedMapping("id", "Person", "Month", "REPORTED_VALUE")
	if len(m.EntityMappings) != 2 {
		t.Fatalf("expected 2 entity mappings, got %d", len(m.EntityMappings))
	}
	if len(m.RelationMappings) != 1 {
		t.Fatalf("expected 1 relation mapping, got %d", len(m.RelationMappings))
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("generated mapping should validate cleanly: %v", err)
	}
}
