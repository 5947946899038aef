package schema

import (
	"testing"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

func TestApplyEntityMappingTypeCasts(t *testing.T) {
	em := EntityMapping{
		EntityType:    "Person",
		SourceColumns: []string{"id", "name", "age", "active"},
		IDColumn:      "id",
		Transformations: []Transformation{
			{Type: Rename, SourceColumn: "name"},
			{Type: TypeCast, SourceColumn: "age", CastType: CastNumber},
			{Type: TypeCast, SourceColumn: "active", CastType: CastBool},
		},
	}
	row := Row{"id": "p1", "name": "Alice", "age": "30", "active": "yes"}

	entity, err := ApplyEntityMapping(em, row, 0)
	if err != nil {
		t.Fatalf("ApplyEntityMapping: %v", err)
	}
	if entity.ID != "p1" {
		t.Errorf("expected id p1, got %s", entity.ID)
	}
	if entity.Properties["age"].Scalar.Num != 30 {
		t.Errorf("expected age 30, got %v", entity.Properties["age"].Scalar.Num)
	}
	if !entity.Properties["active"].Scalar.Bool {
		t.Errorf("expected active true")
	}
}

func TestApplyEntityMappingMissingIDFails(t *testing.T) {
	em := EntityMapping{EntityType: "Person", SourceColumns: []string{"id"}, IDColumn: "id"}
	_, err := ApplyEntityMapping(em, Row{"id": ""}, 3)
	if err == nil {
		t.Fatal("expected error for empty id column")
	}
	fe, ok := err.(*FieldError)
	if !ok {
		t.Fatalf("expected *FieldError, got %T", err)
	}
	if fe.Row != 3 {
		t.Errorf("expected row index 3 in error, got %d", fe.Row)
	}
}

func TestApplyRelationMappingResolvesEndpoints(t *testing.T) {
	rm := RelationMapping{
		RelationType:   "WORKS_AT",
		SourceColumns:  []string{"emp_id", "dept_id"},
		SourceIDColumn: "emp_id",
		TargetIDColumn: "dept_id",
	}
	rel, err := ApplyRelationMapping(rm, Row{"emp_id": "e1", "dept_id": "d1"}, 0)
	if err != nil {
		t.Fatalf("ApplyRelationMapping: %v", err)
	}
	if rel.SourceID != "e1" || rel.TargetID != "d1" {
		t.Errorf("unexpected endpoints %s -> %s", rel.SourceID, rel.TargetID)
	}
}

func TestApplyRelationMappingMissingEndpointFails(t *testing.T) {
	rm := RelationMapping{RelationType: "WORKS_AT", SourceColumns: []string{"emp_id", "dept_id"}, SourceIDColumn: "emp_id", TargetIDColumn: "dept_id"}
	_, err := ApplyRelationMapping(rm, Row{"emp_id": "e1", "dept_id": ""}, 0)
	if err == nil {
		t.Fatal("expected error for empty target id")
	}
}

func TestListTypeCastVariants(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want []string
	}{
		{"comma separated", "a, b, c", []string{"a", "b", "c"}},
		{"json array", `["x","y"]`, []string{"x", "y"}},
		{"single value", "solo", []string{"solo"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			list, err := toList(c.in)
			if err != nil {
				t.Fatalf("toList: %v", err)
			}
			if len(list) != len(c.want) {
				t.Fatalf("expected %d items, got %d", len(c.want), len(list))
			}
			for i, w := range c.want {
				if list[i].Str != w {
					t.Errorf("item %d: expected %q, got %q", i, w, list[i].Str)
				}
			}
		})
	}
}

func TestDictTypeCastWrapsScalar(t *testing.T) {
	dict, err := toDict("plain")
	if err != nil {
		t.Fatalf("toDict: %v", err)
	}
	if dict["value"].Str != "plain" {
		t.Errorf("expected scalar wrapped under 'value', got %v", dict)
	}
}

func TestComputeSumAcrossColumns(t *testing.T) {
	row := Row{"a": "1.5", "b": "2.5"}
	s, err := computeSum(row, []string{"a", "b"})
	if err != nil {
		t.Fatalf("computeSum: %v", err)
	}
	if s.Num != 4 {
		t.Errorf("expected sum 4, got %v", s.Num)
	}
}

func TestMappingValidateCatchesUnknownCompute(t *testing.T) {
	m := Mapping{
		EntityMappings: []EntityMapping{{
			EntityType:    "Person",
			SourceColumns: []string{"a"},
			IDColumn:      "a",
			Transformations: []Transformation{
				{Type: Compute, ComputeFunc: "not_a_real_fn", ComputeColumns: []string{"a"}},
			},
		}},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected validation error for unknown compute function")
	}
}

func TestMappingValidateCatchesRelationEndpointNotInSourceColumns(t *testing.T) {
	m := Mapping{
		RelationMappings: []RelationMapping{{
			RelationType:   "WORKS_AT",
			SourceColumns:  []string{"emp_id"},
			SourceIDColumn: "emp_id",
			TargetIDColumn: "dept_id",
		}},
	}
	if err := m.Validate(); err == nil {
		t.Fatal("expected validation error for endpoint column missing from source_columns")
	}
}

func TestConstantTransformationIgnoresRowValue(t *testing.T) {
	var props graphmodel.Properties = make(graphmodel.Properties)
	tr := Transformation{Type: Constant, TargetProperty: "source", ConstantValue: graphmodel.StringScalar("csv-import")}
	if err := applyTransformation(tr, Row{}, 0, props); err != nil {
		t.Fatalf("applyTransformation: %v", err)
	}
	if props["source"].Scalar.Str != "csv-import" {
		t.Errorf("expected constant value set, got %v", props["source"])
	}
}
