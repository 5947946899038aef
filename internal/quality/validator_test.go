package quality

import (
	"errors"
	"testing"

	"github.com/quantumflow/kgbuilder/internal/schema"
)

func TestValidateRangeRuleFlagsOutOfBounds(t *testing.T) {
	rows := []schema.Row{
		{"age": "30"},
		{"age": "200"},
	}
	rules := RuleSet{RangeRules: map[string]RangeRule{"age": {Min: 0, Max: 120}}}
	report, err := Validate(rows, rules, false)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected 1 range violation, got %d", len(report.Violations))
	}
	if report.Violations[0].RowIndex != 1 {
		t.Errorf("expected violation on row 1, got %d", report.Violations[0].RowIndex)
	}
}

func TestValidateRequiredPropertiesAndCompleteness(t *testing.T) {
	rows := []schema.Row{
		{"email": "a@example.com"},
		{"email": ""},
		{"email": "c@example.com"},
	}
	rules := RuleSet{RequiredProperties: []string{"email"}}
	report, err := Validate(rows, rules, false)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected 1 required-property violation, got %d", len(report.Violations))
	}
	if report.Completeness["email"] < 0.66 || report.Completeness["email"] > 0.67 {
		t.Errorf("expected completeness ~0.667, got %v", report.Completeness["email"])
	}
}

func TestValidateFailOnViolationsAborts(t *testing.T) {
	rows := []schema.Row{
		{"age": "30"},
		{"age": "9999"},
		{"age": "40"},
	}
	rules := RuleSet{RangeRules: map[string]RangeRule{"age": {Min: 0, Max: 120}}}
	_, err := Validate(rows, rules, true)
	if err == nil {
		t.Fatal("expected error when fail_on_violations is true and a violation exists")
	}
	var violationsErr *ErrViolationsFound
	if !errors.As(err, &violationsErr) {
		t.Fatalf("expected *ErrViolationsFound, got %T", err)
	}
}

func TestValidateDoesNotAbortWhenFailOnViolationsFalse(t *testing.T) {
	rows := []schema.Row{
		{"age": "9999"},
	}
	rules := RuleSet{RangeRules: map[string]RangeRule{"age": {Min: 0, Max: 120}}}
	report, err := Validate(rows, rules, false)
	if err != nil {
		t.Fatalf("expected no error with fail_on_violations=false, got %v", err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected violation still recorded, got %d", len(report.Violations))
	}
}

func TestValidateZScoreOutlierDetection(t *testing.T) {
	rows := []schema.Row{
		{"value": "10"}, {"value": "11"}, {"value": "9"}, {"value": "10"}, {"value": "1000"},
		{"value": "10"}, {"value": "11"}, {"value": "9"}, {"value": "10"},
	}
	rules := RuleSet{OutlierRules: map[string]OutlierRule{"value": {Method: ZScore, Threshold: 2}}}
	report, err := Validate(rows, rules, false)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected 1 outlier violation, got %d", len(report.Violations))
	}
	if report.Violations[0].RowIndex != 4 {
		t.Errorf("expected outlier flagged on row 4, got %d", report.Violations[0].RowIndex)
	}
}

func TestDetectOutliersShortcutAppliesToNumericColumns(t *testing.T) {
	rows := []schema.Row{
		{"value": "10"}, {"value": "12"}, {"value": "11"}, {"value": "500"},
		{"value": "10"}, {"value": "12"}, {"value": "11"},
		{"value": "10"}, {"value": "12"}, {"value": "11"},
		{"value": "10"}, {"value": "12"}, {"value": "11"},
		{"value": "10"}, {"value": "12"}, {"value": "11"},
	}
	rules := RuleSet{DetectOutliers: true}
	report, err := Validate(rows, rules, false)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(report.Violations) == 0 {
		t.Fatal("expected DetectOutliers shortcut to flag the extreme value")
	}
}
