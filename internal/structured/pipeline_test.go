package structured

import (
	"context"
	"strings"
	"testing"

	"github.com/quantumflow/kgbuilder/internal/graphstore"
	"github.com/quantumflow/kgbuilder/internal/quality"
	"github.com/quantumflow/kgbuilder/internal/reshape"
	"github.com/quantumflow/kgbuilder/internal/schema"
)

func newTestStore(t *testing.T) *graphstore.MemoryStore {
	t.Helper()
	s := graphstore.NewMemoryStore(graphstore.PolicyUpdateMerge, graphstore.OptimizerConfig{})
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func personKnowsMapping() schema.Mapping {
	return schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Person",
			SourceColumns: []string{"id", "name", "friend_id"},
			IDColumn:      "id",
			Transformations: []schema.Transformation{
				{Type: schema.Rename, SourceColumn: "name", TargetProperty: "name"},
			},
		}},
		RelationMappings: []schema.RelationMapping{{
			RelationType:   "KNOWS",
			SourceColumns:  []string{"id", "friend_id"},
			SourceIDColumn: "id",
			TargetIDColumn: "friend_id",
		}},
	}
}

func TestImportFromDataFrameAddsEntitiesAndRelations(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig(personKnowsMapping())
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "p1", "name": "Alice", "friend_id": "p2"},
		{"id": "p2", "name": "Bob", "friend_id": "p1"},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.RowsProcessed != 2 || result.RowsFailed != 0 {
		t.Errorf("unexpected row counts: processed=%d failed=%d", result.RowsProcessed, result.RowsFailed)
	}
	if result.EntitiesAdded != 2 {
		t.Errorf("expected 2 entities added, got %d", result.EntitiesAdded)
	}
	if result.RelationsAdded != 2 {
		t.Errorf("expected 2 relations added, got %d", result.RelationsAdded)
	}

	alice, err := store.GetEntity(context.Background(), "p1")
	if err != nil {
		t.Fatalf("GetEntity p1: %v", err)
	}
	nameProp := alice.Properties["name"]
	if nameProp.Scalar.Str != "Alice" {
		t.Errorf("expected name Alice, got %q", nameProp.Scalar.Str)
	}
}

func TestImportSkipErrorsTrueRecordsRowErrorAndContinues(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig(personKnowsMapping())
	cfg.EnableLinking = false // the broken row has an empty id; avoid linker noise
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "p1", "name": "Alice", "friend_id": "p2"},
		{"id": "", "name": "Nobody", "friend_id": "p1"}, // missing id column
		{"id": "p2", "name": "Bob", "friend_id": "p1"},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success despite a bad row, errors: %v", result.Errors)
	}
	if result.RowsFailed != 1 {
		t.Errorf("expected 1 failed row, got %d", result.RowsFailed)
	}
	if result.RowsProcessed != 2 {
		t.Errorf("expected 2 processed rows, got %d", result.RowsProcessed)
	}
	if result.EntitiesAdded != 2 {
		t.Errorf("expected 2 entities added (bad row excluded), got %d", result.EntitiesAdded)
	}
}

func TestImportSkipErrorsFalseAbortsOnRowError(t *testing.T) {
	store := newTestStore(t)
	cfg := DefaultConfig(personKnowsMapping())
	cfg.SkipErrors = false
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "p1", "name": "Alice", "friend_id": "p2"},
		{"id": "", "name": "Nobody", "friend_id": "p1"},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if result.Success {
		t.Fatal("expected import to abort on the bad row")
	}
	if result.EntitiesAdded != 0 {
		t.Errorf("expected nothing persisted once the batch aborts, got %d entities", result.EntitiesAdded)
	}
	if len(result.Errors) == 0 {
		t.Error("expected at least one recorded error")
	}

	stats, _ := store.GetStats(context.Background())
	if stats.EntityCount != 0 {
		t.Errorf("expected no entities in store, got %d", stats.EntityCount)
	}
}

func TestImportQualityViolationsRecordedWithoutAborting(t *testing.T) {
	store := newTestStore(t)
	mapping := schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Contact",
			SourceColumns: []string{"id", "email"},
			IDColumn:      "id",
		}},
	}
	cfg := DefaultConfig(mapping)
	cfg.EnableLinking = false
	cfg.Quality = &quality.RuleSet{RequiredProperties: []string{"email"}}
	cfg.FailOnQualityViolations = false
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "c1", "email": "a@example.com"},
		{"id": "c2", "email": ""},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.QualityReport == nil {
		t.Fatal("expected a quality report")
	}
	if len(result.QualityReport.Violations) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(result.QualityReport.Violations))
	}
	if got := result.QualityReport.Violations[0].Type; got != quality.ViolationRequired {
		t.Errorf("expected a required-property violation, got %v", got)
	}
	if got := result.QualityReport.Completeness["email"]; got != 0.5 {
		t.Errorf("expected 0.5 completeness for email, got %v", got)
	}
	if result.EntitiesAdded != 2 {
		t.Errorf("expected both rows still persisted, got %d entities", result.EntitiesAdded)
	}
}

func TestImportQualityFailOnViolationsAbortsImport(t *testing.T) {
	store := newTestStore(t)
	mapping := schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Contact",
			SourceColumns: []string{"id", "email"},
			IDColumn:      "id",
		}},
	}
	cfg := DefaultConfig(mapping)
	cfg.EnableLinking = false
	cfg.Quality = &quality.RuleSet{RequiredProperties: []string{"email"}}
	cfg.FailOnQualityViolations = true
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "c1", "email": "a@example.com"},
		{"id": "c2", "email": ""},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if result.Success {
		t.Fatal("expected the import to abort on a quality violation")
	}
	if result.EntitiesAdded != 0 {
		t.Errorf("expected nothing persisted once quality aborts the batch, got %d", result.EntitiesAdded)
	}
}

func TestImportAggregatesNumericColumnIntoSummaryEntity(t *testing.T) {
	store := newTestStore(t)
	mapping := schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Order",
			SourceColumns: []string{"id", "amount"},
			IDColumn:      "id",
		}},
	}
	cfg := DefaultConfig(mapping)
	cfg.EnableLinking = false
	cfg.AggregateColumns = []string{"amount"}
	cfg.AggregationEntityType = "Order"
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "o1", "amount": 10.0},
		{"id": "o2", "amount": 20.0},
		{"id": "o3", "amount": 30.0},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}

	summary, err := store.GetEntity(context.Background(), "Order_summary")
	if err != nil {
		t.Fatalf("GetEntity Order_summary: %v", err)
	}
	if got := summary.Properties["amount_count"].Scalar.Num; got != 3 {
		t.Errorf("expected amount_count 3, got %v", got)
	}
	if got := summary.Properties["amount_sum"].Scalar.Num; got != 60 {
		t.Errorf("expected amount_sum 60, got %v", got)
	}
	if got := summary.Properties["amount_mean"].Scalar.Num; got != 20 {
		t.Errorf("expected amount_mean 20, got %v", got)
	}
}

func TestImportFromCSVStreamsRows(t *testing.T) {
	store := newTestStore(t)
	mapping := schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Person",
			SourceColumns: []string{"id", "name"},
			IDColumn:      "id",
			Transformations: []schema.Transformation{
				{Type: schema.Rename, SourceColumn: "name", TargetProperty: "name"},
			},
		}},
	}
	cfg := DefaultConfig(mapping)
	p := NewStructuredPipeline(store, cfg)

	csvBody := "id,name\np1,Alice\np2,Bob\np3,Carol\n"
	reader, err := NewCSVReader(strings.NewReader(csvBody))
	if err != nil {
		t.Fatalf("NewCSVReader: %v", err)
	}

	result, err := p.ImportFromCSV(context.Background(), reader)
	if err != nil {
		t.Fatalf("ImportFromCSV: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.EntitiesAdded != 3 {
		t.Errorf("expected 3 entities added, got %d", result.EntitiesAdded)
	}
}

func TestImportFromJSONStreamsRows(t *testing.T) {
	store := newTestStore(t)
	mapping := schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Person",
			SourceColumns: []string{"id", "name"},
			IDColumn:      "id",
			Transformations: []schema.Transformation{
				{Type: schema.Rename, SourceColumn: "name", TargetProperty: "name"},
			},
		}},
	}
	cfg := DefaultConfig(mapping)
	p := NewStructuredPipeline(store, cfg)

	jsonBody := `[{"id":"j1","name":"Joe"},{"id":"j2","name":"Jan"}]`
	reader := NewJSONReader(strings.NewReader(jsonBody))

	result, err := p.ImportFromJSON(context.Background(), reader)
	if err != nil {
		t.Fatalf("ImportFromJSON: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}
	if result.EntitiesAdded != 2 {
		t.Errorf("expected 2 entities added, got %d", result.EntitiesAdded)
	}
}

func TestImportReshapeMeltsWideTableBeforeMapping(t *testing.T) {
	store := newTestStore(t)
	mapping := reshape.GenerateNormalizedMapping("id", "Subject", "Variable", "HAS_VALUE")
	cfg := Config{
		Mapping:       mapping,
		Reshape:       &ReshapeConfig{IDVars: []string{"id"}, ValueVars: []string{"col_a", "col_b"}},
		EnableDedup:   true,
		EnableLinking: true,
		SkipErrors:    true,
	}
	p := NewStructuredPipeline(store, cfg)

	rows := []schema.Row{
		{"id": "s1", "col_a": 1.0, "col_b": 2.0},
		{"id": "s2", "col_a": 3.0, "col_b": 4.0},
	}

	result, err := p.ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("ImportFromDataFrame: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, errors: %v", result.Errors)
	}

	stats, err := store.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.EntityCount != 4 {
		t.Errorf("expected 4 distinct entities (s1, s2, col_a, col_b), got %d", stats.EntityCount)
	}
	if stats.RelationCount != 4 {
		t.Errorf("expected 4 relations, got %d", stats.RelationCount)
	}

	rels, err := store.GetRelationsByEntity(context.Background(), "s1", "col_a")
	if err != nil {
		t.Fatalf("GetRelationsByEntity: %v", err)
	}
	if len(rels) != 1 {
		t.Fatalf("expected exactly 1 relation between s1 and col_a, got %d", len(rels))
	}
	if got := rels[0].Properties["value"].Scalar.Num; got != 1.0 {
		t.Errorf("expected melted value 1.0, got %v", got)
	}
}

func TestImportParallelAndSequentialProduceSameEntityCount(t *testing.T) {
	rows := make([]schema.Row, 0, 50)
	for i := 0; i < 50; i++ {
		rows = append(rows, schema.Row{"id": stringID(i), "name": stringID(i)})
	}
	mapping := schema.Mapping{
		EntityMappings: []schema.EntityMapping{{
			EntityType:    "Item",
			SourceColumns: []string{"id", "name"},
			IDColumn:      "id",
		}},
	}

	sequentialStore := newTestStore(t)
	seqCfg := DefaultConfig(mapping)
	seqCfg.EnableLinking = false
	seqResult, err := NewStructuredPipeline(sequentialStore, seqCfg).ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("sequential ImportFromDataFrame: %v", err)
	}

	parallelStore := newTestStore(t)
	parCfg := DefaultConfig(mapping)
	parCfg.EnableLinking = false
	parCfg.Parallel = true
	parCfg.MaxWorkers = 4
	parResult, err := NewStructuredPipeline(parallelStore, parCfg).ImportFromDataFrame(context.Background(), rows)
	if err != nil {
		t.Fatalf("parallel ImportFromDataFrame: %v", err)
	}

	if seqResult.EntitiesAdded != parResult.EntitiesAdded {
		t.Errorf("expected matching entity counts, sequential=%d parallel=%d", seqResult.EntitiesAdded, parResult.EntitiesAdded)
	}
	if !parResult.Success {
		t.Fatalf("expected parallel import to succeed, errors: %v", parResult.Errors)
	}
}

func stringID(i int) string {
	const letters = "0123456789"
	if i < 10 {
		return "item_" + string(letters[i])
	}
	return "item_" + string(letters[i/10]) + string(letters[i%10])
}

func TestImportFromExcelAndSPSSReturnUnsupportedError(t *testing.T) {
	store := newTestStore(t)
	p := NewStructuredPipeline(store, DefaultConfig(schema.Mapping{}))

	result, err := p.ImportFromExcel(context.Background())
	if err != nil {
		t.Fatalf("ImportFromExcel: %v", err)
	}
	if result.Success {
		t.Error("expected ImportFromExcel to fail, no Excel reader exists")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "Excel") {
		t.Errorf("expected an Excel-unsupported error, got %v", result.Errors)
	}

	result, err = p.ImportFromSPSS(context.Background())
	if err != nil {
		t.Fatalf("ImportFromSPSS: %v", err)
	}
	if result.Success {
		t.Error("expected ImportFromSPSS to fail, no SPSS reader exists")
	}
}
