// Package reshape implements DataReshaping (C9): melt/pivot between
// wide and long tabular layouts, wide-format detection, and generating
// a normalized SchemaMapping from a detected wide table. No DataFrame
// library exists anywhere in the reference corpus, so Table is a
// minimal column-oriented struct built directly on the standard
// library.
package reshape

import (
	"fmt"
	"sort"

	"github.com/quantumflow/kgbuilder/internal/schema"
)

// Table is an ordered set of named columns over the same row count.
type Table struct {
	Columns []string
	Rows    []schema.Row
}

// Column returns the values of column c across every row, in row order.
func (t Table) Column(c string) []interface{} {
	out := make([]interface{}, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[c]
	}
	return out
}

// NonIDColumns returns t.Columns minus idVars, preserving order.
func (t Table) NonIDColumns(idVars []string) []string {
	idSet := make(map[string]bool, len(idVars))
	for _, c := range idVars {
		idSet[c] = true
	}
	var out []string
	for _, c := range t.Columns {
		if !idSet[c] {
			out = append(out, c)
		}
	}
	return out
}

// Melt emits one row per (id_vars-tuple, value_var) pair: a long-format
// table with idVars carried through plus varName holding the melted
// column's name and valueName holding its value.
func Melt(t Table, idVars, valueVars []string, varName, valueName string) Table {
	out := Table{Columns: append(append([]string{}, idVars...), varName, valueName)}
	for _, row := range t.Rows {
		for _, v := range valueVars {
			newRow := make(schema.Row, len(idVars)+2)
			for _, id := range idVars {
				newRow[id] = row[id]
			}
			newRow[varName] = v
			newRow[valueName] = row[v]
			out.Rows = append(out.Rows, newRow)
		}
	}
	return out
}

// Pivot is Melt's inverse: one output row per distinct index-tuple,
// with one column per distinct value found in the columns field. It
// fails if any (index, columns) pair appears more than once in t.
func Pivot(t Table, index, columnsField, values string) (Table, error) {
	type key struct {
		idx string
	}
	order := make([]string, 0)
	rowsByIndex := make(map[string]schema.Row)
	colSet := make(map[string]bool)
	seen := make(map[string]bool)

	for _, row := range t.Rows {
		idxVal := fmt.Sprintf("%v", row[index])
		colVal := fmt.Sprintf("%v", row[columnsField])
		cellKey := idxVal + "\x00" + colVal
		if seen[cellKey] {
			return Table{}, fmt.Errorf("reshape: duplicate (%v, %v) pair in pivot", row[index], row[columnsField])
		}
		seen[cellKey] = true

		out, ok := rowsByIndex[idxVal]
		if !ok {
			out = schema.Row{index: row[index]}
			rowsByIndex[idxVal] = out
			order = append(order, idxVal)
		}
		out[colVal] = row[values]
		colSet[colVal] = true
	}

	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	result := Table{Columns: append([]string{index}, cols...)}
	for _, idxVal := range order {
		result.Rows = append(result.Rows, rowsByIndex[idxVal])
	}
	return result, nil
}

// DetectWideFormat reports whether t has more non-id columns than
// thresholdColumns, a signal that the table is a wide layout that would
// benefit from melting before schema mapping.
func DetectWideFormat(t Table, idVars []string, thresholdColumns int) bool {
	return len(t.NonIDColumns(idVars)) > thresholdColumns
}

// MeltSuggestion is a heuristic recommendation for melting t, with a
// confidence score reflecting how clearly the id/value split held.
type MeltSuggestion struct {
	IDVars     []string
	ValueVars  []string
	Confidence float64
}

// SuggestMeltConfig picks the leftmost column whose cardinality is at
// most half the row count as the single id_var (the first column when
// none qualifies) and every other column as a value_var. Confidence is
// the fraction of value_vars whose values are at least 90% numeric
// (0.5 when there are no value_vars); cardinality does not enter it.
func SuggestMeltConfig(t Table) MeltSuggestion {
	if len(t.Columns) == 0 || len(t.Rows) == 0 {
		return MeltSuggestion{}
	}

	type colStats struct {
		name        string
		cardinality int
		numericFrac float64
	}
	stats := make([]colStats, 0, len(t.Columns))
	for _, c := range t.Columns {
		seen := make(map[string]bool)
		numeric := 0
		for _, row := range t.Rows {
			v := row[c]
			seen[fmt.Sprintf("%v", v)] = true
			if isNumericValue(v) {
				numeric++
			}
		}
		stats = append(stats, colStats{
			name:        c,
			cardinality: len(seen),
			numericFrac: float64(numeric) / float64(len(t.Rows)),
		})
	}

	lowCardinalityThreshold := len(t.Rows) / 2
	if lowCardinalityThreshold < 1 {
		lowCardinalityThreshold = 1
	}

	var idVars, valueVars []string
	numericHomogeneous := 0
	for _, s := range stats {
		if s.cardinality <= lowCardinalityThreshold && len(idVars) == 0 {
			idVars = append(idVars, s.name)
			continue
		}
		valueVars = append(valueVars, s.name)
		if s.numericFrac >= 0.9 {
			numericHomogeneous++
		}
	}

	if len(idVars) == 0 {
		idVars = []string{t.Columns[0]}
		valueVars = t.Columns[1:]
	}

	confidence := 0.5
	if len(valueVars) > 0 {
		confidence = float64(numericHomogeneous) / float64(len(valueVars))
	}

	return MeltSuggestion{IDVars: idVars, ValueVars: valueVars, Confidence: confidence}
}

func isNumericValue(v interface{}) bool {
	switch t := v.(type) {
	case float64, int:
		return true
	case string:
		if t == "" {
			return false
		}
		for _, r := range t {
			if (r < '0' || r > '9') && r != '.' && r != '-' {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// GenerateNormalizedMapping produces a SchemaMapping that emits one
// entity per distinct id value, one entity per distinct variable value,
// and one relation per (id, variable) pair carrying the numeric value.
// idColumn/entityType describe the id-side entity; variableType names
// the type of the melted-variable entity; relationType names the
// relation connecting them.
func GenerateNormalizedMapping(idColumn, entityType, variableType, relationType string) schema.Mapping {
	idEntity := schema.EntityMapping{
		EntityType:    entityType,
		SourceColumns: []string{idColumn},
		IDColumn:      idColumn,
	}
	variableEntity := schema.EntityMapping{
		EntityType:    variableType,
		SourceColumns: []string{"variable"},
		IDColumn:      "variable",
	}
	relation := schema.RelationMapping{
		RelationType:   relationType,
		SourceColumns:  []string{idColumn, "variable", "value"},
		SourceIDColumn: idColumn,
		TargetIDColumn: "variable",
		Transformations: []schema.Transformation{
			{Type: schema.TypeCast, SourceColumn: "value", CastType: schema.CastNumber},
		},
	}
	return schema.Mapping{
		EntityMappings:   []schema.EntityMapping{idEntity, variableEntity},
		RelationMappings: []schema.RelationMapping{relation},
	}
}
