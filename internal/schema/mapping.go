// Package schema implements schema-driven row-to-graph mapping (C8) and
// schema inference from tabular metadata (C10).
package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// Row is one record from a tabular source. Values are whatever the
// reader produced: strings from CSV, native JSON types from a JSON
// source (string, float64, bool, nil, []interface{}, map[string]interface{}).
type Row map[string]interface{}

// TransformType names one of the five transformation kinds C8 defines.
type TransformType int

const (
	Rename TransformType = iota
	TypeCast
	Constant
	Compute
	Skip
)

// CastType names a TYPE_CAST target type.
type CastType int

const (
	CastString CastType = iota
	CastNumber
	CastBool
	CastList
	CastDict
)

// Transformation describes one column->property step, applied in
// declaration order, each producing or replacing one property (Skip
// produces none).
type Transformation struct {
	Type TransformType

	SourceColumn   string
	TargetProperty string

	CastType CastType

	ConstantValue graphmodel.ScalarValue

	ComputeFunc    string
	ComputeColumns []string
}

func (t Transformation) targetProperty() string {
	if t.TargetProperty != "" {
		return t.TargetProperty
	}
	return t.SourceColumn
}

// ComputeFunc is a pure, total function over a row's declared input
// columns.
type ComputeFunc func(row Row, columns []string) (graphmodel.ScalarValue, error)

// ComputeRegistry holds the named COMPUTE functions available to
// Transformations of type Compute. An unknown name is a configuration
// error, detected at Validate time.
var ComputeRegistry = map[string]ComputeFunc{
	"concat_space": computeConcatSpace,
	"coalesce":     computeCoalesce,
	"sum":          computeSum,
	"avg":          computeAvg,
	"min":          computeMin,
	"max":          computeMax,
}

func computeConcatSpace(row Row, columns []string) (graphmodel.ScalarValue, error) {
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		parts = append(parts, fmt.Sprintf("%v", row[c]))
	}
	return graphmodel.StringScalar(strings.Join(parts, " ")), nil
}

func computeCoalesce(row Row, columns []string) (graphmodel.ScalarValue, error) {
	for _, c := range columns {
		v, ok := row[c]
		if !ok || v == nil {
			continue
		}
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		return toScalar(v, CastString)
	}
	return graphmodel.Null(), nil
}

func computeSum(row Row, columns []string) (graphmodel.ScalarValue, error) {
	var total float64
	for _, c := range columns {
		s, err := toScalar(row[c], CastNumber)
		if err != nil {
			return graphmodel.ScalarValue{}, fmt.Errorf("schema: compute sum on %s: %w", c, err)
		}
		if !s.IsNull() {
			total += s.Num
		}
	}
	return graphmodel.NumberScalar(total), nil
}

func computeAvg(row Row, columns []string) (graphmodel.ScalarValue, error) {
	var total float64
	var count int
	for _, c := range columns {
		s, err := toScalar(row[c], CastNumber)
		if err != nil {
			return graphmodel.ScalarValue{}, fmt.Errorf("schema: compute avg on %s: %w", c, err)
		}
		if !s.IsNull() {
			total += s.Num
			count++
		}
	}
	if count == 0 {
		return graphmodel.Null(), nil
	}
	return graphmodel.NumberScalar(total / float64(count)), nil
}

func computeMin(row Row, columns []string) (graphmodel.ScalarValue, error) {
	var min float64
	var found bool
	for _, c := range columns {
		s, err := toScalar(row[c], CastNumber)
		if err != nil {
			return graphmodel.ScalarValue{}, fmt.Errorf("schema: compute min on %s: %w", c, err)
		}
		if s.IsNull() {
			continue
		}
		if !found || s.Num < min {
			min = s.Num
			found = true
		}
	}
	if !found {
		return graphmodel.Null(), nil
	}
	return graphmodel.NumberScalar(min), nil
}

func computeMax(row Row, columns []string) (graphmodel.ScalarValue, error) {
	var max float64
	var found bool
	for _, c := range columns {
		s, err := toScalar(row[c], CastNumber)
		if err != nil {
			return graphmodel.ScalarValue{}, fmt.Errorf("schema: compute max on %s: %w", c, err)
		}
		if s.IsNull() {
			continue
		}
		if !found || s.Num > max {
			max = s.Num
			found = true
		}
	}
	if !found {
		return graphmodel.Null(), nil
	}
	return graphmodel.NumberScalar(max), nil
}

// FieldError is a typed error raised when a row fails a transformation
// or endpoint resolution.
type FieldError struct {
	Row    int
	Column string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("schema: row %d column %q: %s", e.Row, e.Column, e.Reason)
}

// EntityMapping projects a row into one candidate entity.
type EntityMapping struct {
	EntityType      string
	SourceColumns   []string
	IDColumn        string
	Transformations []Transformation
}

// RelationMapping projects a row into one candidate relation, resolving
// both endpoint ids from the row.
type RelationMapping struct {
	RelationType    string
	SourceColumns   []string
	SourceIDColumn  string
	TargetIDColumn  string
	Transformations []Transformation
}

// Mapping is a complete SchemaMapping: every EntityMapping and
// RelationMapping applied to import a tabular source.
type Mapping struct {
	EntityMappings   []EntityMapping
	RelationMappings []RelationMapping
}

// Validate checks entity_type uniqueness, relation_type uniqueness,
// that every RelationMapping's endpoint columns appear in its
// source_columns, and that every transformation's referenced source
// columns appear in source_columns.
func (m Mapping) Validate() error {
	seenEntity := make(map[string]bool)
	for _, em := range m.EntityMappings {
		if seenEntity[em.EntityType] {
			return fmt.Errorf("schema: duplicate entity_type %q", em.EntityType)
		}
		seenEntity[em.EntityType] = true

		cols := columnSet(em.SourceColumns)
		for _, tr := range em.Transformations {
			if err := validateTransformationColumns(tr, cols); err != nil {
				return err
			}
		}
	}

	seenRelation := make(map[string]bool)
	for _, rm := range m.RelationMappings {
		if seenRelation[rm.RelationType] {
			return fmt.Errorf("schema: duplicate relation_type %q", rm.RelationType)
		}
		seenRelation[rm.RelationType] = true

		cols := columnSet(rm.SourceColumns)
		if !cols[rm.SourceIDColumn] {
			return fmt.Errorf("schema: relation %q source id column %q not in source_columns", rm.RelationType, rm.SourceIDColumn)
		}
		if !cols[rm.TargetIDColumn] {
			return fmt.Errorf("schema: relation %q target id column %q not in source_columns", rm.RelationType, rm.TargetIDColumn)
		}
		for _, tr := range rm.Transformations {
			if err := validateTransformationColumns(tr, cols); err != nil {
				return err
			}
		}
	}
	return nil
}

func columnSet(cols []string) map[string]bool {
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[c] = true
	}
	return set
}

func validateTransformationColumns(tr Transformation, cols map[string]bool) error {
	switch tr.Type {
	case Rename, TypeCast, Skip:
		if tr.SourceColumn != "" && !cols[tr.SourceColumn] {
			return fmt.Errorf("schema: transformation references column %q not in source_columns", tr.SourceColumn)
		}
	case Compute:
		if _, ok := ComputeRegistry[tr.ComputeFunc]; !ok {
			return fmt.Errorf("schema: unknown compute function %q", tr.ComputeFunc)
		}
		for _, c := range tr.ComputeColumns {
			if !cols[c] {
				return fmt.Errorf("schema: compute transformation references column %q not in source_columns", c)
			}
		}
	case Constant:
		// no column reference
	}
	return nil
}

// ApplyEntityMapping projects row into one candidate entity per em,
// applying transformations in order. rowIndex is used only for error
// reporting.
func ApplyEntityMapping(em EntityMapping, row Row, rowIndex int) (*graphmodel.Entity, error) {
	props := make(graphmodel.Properties)
	for _, tr := range em.Transformations {
		if err := applyTransformation(tr, row, rowIndex, props); err != nil {
			return nil, err
		}
	}

	// EntityMapping.IDColumn is optional (spec §3): when unset, default
	// to the first source column, else the row index. An explicitly
	// configured IDColumn missing its value is still a FieldError.
	idColumn := em.IDColumn
	if idColumn == "" && len(em.SourceColumns) > 0 {
		idColumn = em.SourceColumns[0]
	}

	var idValue interface{}
	if idColumn == "" {
		idValue = rowIndex
	} else if v, ok := row[idColumn]; ok && !isEmptyValue(v) {
		idValue = v
	} else if em.IDColumn == "" {
		idValue = rowIndex
	} else {
		return nil, &FieldError{Row: rowIndex, Column: em.IDColumn, Reason: "id column missing or empty"}
	}

	return &graphmodel.Entity{
		ID:         fmt.Sprintf("%v", idValue),
		Type:       em.EntityType,
		Properties: props,
	}, nil
}

// ApplyRelationMapping projects row into one candidate relation per rm.
func ApplyRelationMapping(rm RelationMapping, row Row, rowIndex int) (*graphmodel.Relation, error) {
	sourceID, ok := row[rm.SourceIDColumn]
	if !ok || isEmptyValue(sourceID) {
		return nil, &FieldError{Row: rowIndex, Column: rm.SourceIDColumn, Reason: "relation source id missing or empty"}
	}
	targetID, ok := row[rm.TargetIDColumn]
	if !ok || isEmptyValue(targetID) {
		return nil, &FieldError{Row: rowIndex, Column: rm.TargetIDColumn, Reason: "relation target id missing or empty"}
	}

	props := make(graphmodel.Properties)
	for _, tr := range rm.Transformations {
		if err := applyTransformation(tr, row, rowIndex, props); err != nil {
			return nil, err
		}
	}

	src := fmt.Sprintf("%v", sourceID)
	dst := fmt.Sprintf("%v", targetID)
	return &graphmodel.Relation{
		ID:         fmt.Sprintf("%s:%s:%s", rm.RelationType, src, dst),
		Type:       rm.RelationType,
		SourceID:   src,
		TargetID:   dst,
		Properties: props,
	}, nil
}

func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func applyTransformation(tr Transformation, row Row, rowIndex int, props graphmodel.Properties) error {
	switch tr.Type {
	case Skip:
		return nil
	case Rename:
		v, ok := row[tr.SourceColumn]
		if !ok {
			return nil
		}
		s, err := toScalar(v, CastString)
		if err != nil {
			return &FieldError{Row: rowIndex, Column: tr.SourceColumn, Reason: err.Error()}
		}
		props[tr.targetProperty()] = graphmodel.Scalar(s)
		return nil
	case TypeCast:
		v, ok := row[tr.SourceColumn]
		if !ok {
			return nil
		}
		if tr.CastType == CastList {
			list, err := toList(v)
			if err != nil {
				return &FieldError{Row: rowIndex, Column: tr.SourceColumn, Reason: err.Error()}
			}
			props[tr.targetProperty()] = graphmodel.ListOf(list)
			return nil
		}
		if tr.CastType == CastDict {
			dict, err := toDict(v)
			if err != nil {
				return &FieldError{Row: rowIndex, Column: tr.SourceColumn, Reason: err.Error()}
			}
			props[tr.targetProperty()] = graphmodel.DictOf(dict)
			return nil
		}
		s, err := toScalar(v, tr.CastType)
		if err != nil {
			return &FieldError{Row: rowIndex, Column: tr.SourceColumn, Reason: err.Error()}
		}
		props[tr.targetProperty()] = graphmodel.Scalar(s)
		return nil
	case Constant:
		props[tr.targetProperty()] = graphmodel.Scalar(tr.ConstantValue)
		return nil
	case Compute:
		fn, ok := ComputeRegistry[tr.ComputeFunc]
		if !ok {
			return fmt.Errorf("schema: unknown compute function %q", tr.ComputeFunc)
		}
		s, err := fn(row, tr.ComputeColumns)
		if err != nil {
			return &FieldError{Row: rowIndex, Column: strings.Join(tr.ComputeColumns, ","), Reason: err.Error()}
		}
		props[tr.targetProperty()] = graphmodel.Scalar(s)
		return nil
	}
	return fmt.Errorf("schema: unknown transformation type %d", tr.Type)
}

var truthyStrings = map[string]bool{"true": true, "1": true, "yes": true}
var falsyStrings = map[string]bool{"false": true, "0": true, "no": true}

func toScalar(v interface{}, cast CastType) (graphmodel.ScalarValue, error) {
	if v == nil {
		return graphmodel.Null(), nil
	}
	switch cast {
	case CastString:
		switch t := v.(type) {
		case string:
			return graphmodel.StringScalar(t), nil
		case float64:
			return graphmodel.StringScalar(strconv.FormatFloat(t, 'g', -1, 64)), nil
		case bool:
			return graphmodel.StringScalar(strconv.FormatBool(t)), nil
		default:
			return graphmodel.StringScalar(fmt.Sprintf("%v", t)), nil
		}
	case CastNumber:
		switch t := v.(type) {
		case float64:
			return graphmodel.NumberScalar(t), nil
		case int:
			return graphmodel.NumberScalar(float64(t)), nil
		case string:
			trimmed := strings.TrimSpace(t)
			if trimmed == "" {
				return graphmodel.Null(), nil
			}
			n, err := strconv.ParseFloat(trimmed, 64)
			if err != nil {
				return graphmodel.ScalarValue{}, fmt.Errorf("cannot cast %q to number", t)
			}
			return graphmodel.NumberScalar(n), nil
		default:
			return graphmodel.ScalarValue{}, fmt.Errorf("cannot cast %T to number", v)
		}
	case CastBool:
		switch t := v.(type) {
		case bool:
			return graphmodel.BoolScalar(t), nil
		case float64:
			if t == 0 {
				return graphmodel.BoolScalar(false), nil
			}
			if t == 1 {
				return graphmodel.BoolScalar(true), nil
			}
			return graphmodel.ScalarValue{}, fmt.Errorf("cannot cast numeric %v to bool", t)
		case string:
			lower := strings.ToLower(strings.TrimSpace(t))
			if truthyStrings[lower] {
				return graphmodel.BoolScalar(true), nil
			}
			if falsyStrings[lower] {
				return graphmodel.BoolScalar(false), nil
			}
			return graphmodel.ScalarValue{}, fmt.Errorf("cannot cast %q to bool", t)
		default:
			return graphmodel.ScalarValue{}, fmt.Errorf("cannot cast %T to bool", v)
		}
	default:
		return graphmodel.ScalarValue{}, fmt.Errorf("unsupported scalar cast type %d", cast)
	}
}

func toList(v interface{}) ([]graphmodel.ScalarValue, error) {
	switch t := v.(type) {
	case []interface{}:
		out := make([]graphmodel.ScalarValue, len(t))
		for i, item := range t {
			s, err := toScalar(item, CastString)
			if err != nil {
				return nil, err
			}
			out[i] = s
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "[") {
			var raw []interface{}
			if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
				return nil, fmt.Errorf("cannot cast %q to list: %w", t, err)
			}
			return toList(raw)
		}
		if trimmed == "" {
			return nil, nil
		}
		parts := strings.Split(trimmed, ",")
		out := make([]graphmodel.ScalarValue, len(parts))
		for i, p := range parts {
			out[i] = graphmodel.StringScalar(strings.TrimSpace(p))
		}
		return out, nil
	default:
		s, err := toScalar(v, CastString)
		if err != nil {
			return nil, err
		}
		return []graphmodel.ScalarValue{s}, nil
	}
}

func toDict(v interface{}) (map[string]graphmodel.ScalarValue, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]graphmodel.ScalarValue, len(t))
		for k, item := range t {
			s, err := toScalar(item, CastString)
			if err != nil {
				return nil, err
			}
			out[k] = s
		}
		return out, nil
	case string:
		trimmed := strings.TrimSpace(t)
		if strings.HasPrefix(trimmed, "{") {
			var raw map[string]interface{}
			if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
				return nil, fmt.Errorf("cannot cast %q to dict: %w", t, err)
			}
			return toDict(raw)
		}
		return map[string]graphmodel.ScalarValue{"value": graphmodel.StringScalar(trimmed)}, nil
	default:
		s, err := toScalar(v, CastString)
		if err != nil {
			return nil, err
		}
		return map[string]graphmodel.ScalarValue{"value": s}, nil
	}
}

// sortedColumns returns a row's keys in sorted order, for deterministic
// iteration.
func sortedColumns(row Row) []string {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
