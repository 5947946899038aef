package fusion

import (
	"fmt"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// ValidationResult is the outcome of validating a batch of candidate
// relations against a schema.
type ValidationResult struct {
	Accepted []*graphmodel.Relation
	Warnings []string
}

// ValidateRelations drops relations whose (source type, relation type,
// target type) triple is not declared in schema, or whose required
// properties are missing, recording one warning per rejection. A nil
// schema passes every relation through untouched.
func ValidateRelations(relations []*graphmodel.Relation, schema *graphmodel.Schema, entityTypeOf func(entityID string) (string, bool)) ValidationResult {
	if schema == nil {
		return ValidationResult{Accepted: relations}
	}

	result := ValidationResult{Accepted: make([]*graphmodel.Relation, 0, len(relations))}
	for _, r := range relations {
		sourceType, sourceOK := entityTypeOf(r.SourceID)
		targetType, targetOK := entityTypeOf(r.TargetID)
		if !sourceOK || !targetOK {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"relation %s (%s): endpoint type unknown, source=%s target=%s", r.ID, r.Type, r.SourceID, r.TargetID))
			continue
		}
		if !schema.AllowsTriple(sourceType, r.Type, targetType) {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"relation %s (%s): triple (%s, %s, %s) not declared in schema", r.ID, r.Type, sourceType, r.Type, targetType))
			continue
		}
		if missing := schema.MissingRequiredProperties(r.Type, r.Properties); len(missing) > 0 {
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"relation %s (%s): missing required properties %v", r.ID, r.Type, missing))
			continue
		}
		result.Accepted = append(result.Accepted, r)
	}
	return result
}
