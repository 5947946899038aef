package schema

import (
	"fmt"
	"sort"
	"strings"
)

// FieldInference records one property-mapping decision and the
// confidence behind it.
type FieldInference struct {
	Column     string
	Confidence float64
}

// RelationInference records one foreign-key-like relation candidate
// inferred from column naming or value overlap.
type RelationInference struct {
	Column           string
	RelationType     string
	TargetEntityType string
	Confidence       float64
}

// Inferred is the output of inferring a schema from a sample of rows:
// an id column, a property mapping for every other column, and
// candidate FK-like relations, each decision carrying a confidence
// score in [0,1].
type Inferred struct {
	EntityType         string
	IDColumn           string
	IDConfidence       float64
	PropertyColumns    []FieldInference
	RelationCandidates []RelationInference
	Warnings           []string
}

// Infer derives a schema for entityType from a sample of rows: the id
// column is the first column (in sorted order, for determinism) whose
// values are unique and non-empty across the sample; if none qualifies,
// the first column is used with reduced confidence. Every other column
// becomes a same-named property mapping, except columns recognised as
// foreign-key-like (ending in "_id", or whose distinct values equal
// another column's), which become relation candidates instead.
func Infer(entityType string, rows []Row) Inferred {
	if len(rows) == 0 {
		return Inferred{EntityType: entityType, Warnings: []string{"no rows to infer schema from"}}
	}

	columns := unionColumns(rows)
	idColumn, idConfidence, warn := pickIDColumn(columns, rows)

	result := Inferred{EntityType: entityType, IDColumn: idColumn, IDConfidence: idConfidence}
	if warn != "" {
		result.Warnings = append(result.Warnings, warn)
	}

	uniqueSets := make(map[string]map[string]bool, len(columns))
	for _, c := range columns {
		uniqueSets[c] = uniqueValueSet(rows, c)
	}

	for _, c := range columns {
		if c == idColumn {
			continue
		}
		if isForeignKeyColumn(c) {
			base := strings.TrimSuffix(strings.TrimSuffix(c, "_id"), "_Id")
			target := strings.Title(base)
			result.RelationCandidates = append(result.RelationCandidates, RelationInference{
				Column:           c,
				RelationType:     fmt.Sprintf("REFERENCES_%s", strings.ToUpper(base)),
				TargetEntityType: target,
				Confidence:       0.7,
			})
			continue
		}

		confidence := 0.9
		if matchesAnotherColumnsKeySet(c, uniqueSets) {
			result.RelationCandidates = append(result.RelationCandidates, RelationInference{
				Column:           c,
				RelationType:     fmt.Sprintf("REFERENCES_%s", strings.ToUpper(c)),
				TargetEntityType: strings.Title(c),
				Confidence:       0.5,
			})
			result.Warnings = append(result.Warnings, fmt.Sprintf(
				"column %q values overlap another column's unique key set; treated as an ambiguous relation candidate", c))
			continue
		}

		result.PropertyColumns = append(result.PropertyColumns, FieldInference{Column: c, Confidence: confidence})
	}

	return result
}

func unionColumns(rows []Row) []string {
	set := make(map[string]bool)
	for _, r := range rows {
		for c := range r {
			set[c] = true
		}
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

func pickIDColumn(columns []string, rows []Row) (string, float64, string) {
	if len(columns) == 0 {
		return "", 0, "no columns present"
	}
	for _, c := range columns {
		if isUniqueNonEmpty(rows, c) {
			return c, 1.0, ""
		}
	}
	return columns[0], 0.3, fmt.Sprintf(
		"no column has fully unique values; defaulting id column to %q with low confidence", columns[0])
}

func isUniqueNonEmpty(rows []Row, column string) bool {
	seen := make(map[string]bool, len(rows))
	for _, r := range rows {
		v, ok := r[column]
		if !ok || isEmptyValue(v) {
			return false
		}
		key := fmt.Sprintf("%v", v)
		if seen[key] {
			return false
		}
		seen[key] = true
	}
	return true
}

func uniqueValueSet(rows []Row, column string) map[string]bool {
	set := make(map[string]bool)
	for _, r := range rows {
		v, ok := r[column]
		if !ok || isEmptyValue(v) {
			continue
		}
		set[fmt.Sprintf("%v", v)] = true
	}
	return set
}

func isForeignKeyColumn(column string) bool {
	lower := strings.ToLower(column)
	return strings.HasSuffix(lower, "_id") && lower != "id"
}

// matchesAnotherColumnsKeySet reports whether column's value set equals
// some other column's unique value set, a signal that column holds
// foreign keys even without "_id" naming.
func matchesAnotherColumnsKeySet(column string, uniqueSets map[string]map[string]bool) bool {
	own := uniqueSets[column]
	if len(own) == 0 {
		return false
	}
	for other, set := range uniqueSets {
		if other == column || len(set) == 0 || len(set) != len(own) {
			continue
		}
		match := true
		for v := range own {
			if !set[v] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// ToEntityMapping converts an inferred schema into an EntityMapping with
// Rename transformations for every inferred property column.
func (inf Inferred) ToEntityMapping() EntityMapping {
	sourceColumns := []string{inf.IDColumn}
	var transforms []Transformation
	for _, p := range inf.PropertyColumns {
		sourceColumns = append(sourceColumns, p.Column)
		transforms = append(transforms, Transformation{Type: Rename, SourceColumn: p.Column})
	}
	return EntityMapping{
		EntityType:      inf.EntityType,
		SourceColumns:   sourceColumns,
		IDColumn:        inf.IDColumn,
		Transformations: transforms,
	}
}

// ToRelationMappings converts every relation candidate into a
// RelationMapping keyed off the inferred id column.
func (inf Inferred) ToRelationMappings() []RelationMapping {
	out := make([]RelationMapping, 0, len(inf.RelationCandidates))
	for _, rc := range inf.RelationCandidates {
		out = append(out, RelationMapping{
			RelationType:   rc.RelationType,
			SourceColumns:  []string{inf.IDColumn, rc.Column},
			SourceIDColumn: inf.IDColumn,
			TargetIDColumn: rc.Column,
		})
	}
	return out
}

// MergeWithPartialSchema builds a final Mapping where partial's own
// entity/relation mappings take precedence, and any inferred relation
// mapping not contradicted by a partial mapping of the same
// relation_type is appended.
func MergeWithPartialSchema(inferred Inferred, partial Mapping) Mapping {
	result := Mapping{
		EntityMappings:   append([]EntityMapping{}, partial.EntityMappings...),
		RelationMappings: append([]RelationMapping{}, partial.RelationMappings...),
	}

	hasEntityType := func(t string) bool {
		for _, em := range result.EntityMappings {
			if em.EntityType == t {
				return true
			}
		}
		return false
	}
	if !hasEntityType(inferred.EntityType) {
		result.EntityMappings = append(result.EntityMappings, inferred.ToEntityMapping())
	}

	hasRelationType := func(t string) bool {
		for _, rm := range result.RelationMappings {
			if rm.RelationType == t {
				return true
			}
		}
		return false
	}
	for _, rm := range inferred.ToRelationMappings() {
		if !hasRelationType(rm.RelationType) {
			result.RelationMappings = append(result.RelationMappings, rm)
		}
	}

	return result
}
