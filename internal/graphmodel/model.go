// Package graphmodel defines the typed data model shared by every
// subsystem of the graph construction pipeline: entities, relations,
// property values, provenance, and the optional declared schema.
package graphmodel

import "time"

// PropertyValue is a tagged union over the scalar, list, and dict value
// kinds a property can hold. Exactly one of the typed fields is set;
// Kind says which.
type PropertyValue struct {
	Kind ValueKind

	Scalar ScalarValue
	List   []ScalarValue
	Dict   map[string]ScalarValue
}

// ValueKind discriminates a PropertyValue.
type ValueKind int

const (
	KindScalar ValueKind = iota
	KindList
	KindDict
)

// ScalarValue is a tagged scalar: string, float64, bool, or nil.
// Integers are represented as float64 (matching the TYPE_CAST numeric
// coercion rules in spec.md §4.8, which do not distinguish int/float).
type ScalarValue struct {
	Kind  ScalarKind
	Str   string
	Num   float64
	Bool  bool
}

type ScalarKind int

const (
	ScalarNull ScalarKind = iota
	ScalarString
	ScalarNumber
	ScalarBool
)

func Null() ScalarValue                   { return ScalarValue{Kind: ScalarNull} }
func StringScalar(s string) ScalarValue    { return ScalarValue{Kind: ScalarString, Str: s} }
func NumberScalar(n float64) ScalarValue   { return ScalarValue{Kind: ScalarNumber, Num: n} }
func BoolScalar(b bool) ScalarValue        { return ScalarValue{Kind: ScalarBool, Bool: b} }

func (s ScalarValue) IsNull() bool { return s.Kind == ScalarNull }

// Scalar wraps a ScalarValue as a PropertyValue.
func Scalar(v ScalarValue) PropertyValue { return PropertyValue{Kind: KindScalar, Scalar: v} }

// ListOf wraps a slice of scalars as a PropertyValue.
func ListOf(vs []ScalarValue) PropertyValue { return PropertyValue{Kind: KindList, List: vs} }

// DictOf wraps a string-keyed map of scalars as a PropertyValue.
func DictOf(m map[string]ScalarValue) PropertyValue { return PropertyValue{Kind: KindDict, Dict: m} }

// Properties is the string -> PropertyValue mapping carried by both
// Entity and Relation.
type Properties map[string]PropertyValue

// Clone returns a shallow copy of p safe to mutate independently.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge overlays other onto p, with other's values winning on key
// conflict (the "later wins" policy used throughout spec.md §4.4/§4.6).
// A nil merge rule means plain overwrite; mergeRule, if non-nil, is
// invoked instead for keys present in both maps.
func (p Properties) Merge(other Properties, mergeRule func(key string, existing, incoming PropertyValue) PropertyValue) Properties {
	out := p.Clone()
	for k, v := range other {
		if existing, ok := out[k]; ok && mergeRule != nil {
			out[k] = mergeRule(k, existing, v)
			continue
		}
		out[k] = v
	}
	return out
}

// Provenance records where a persisted Entity or Relation came from.
type Provenance struct {
	SourceID  string
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Entity is a typed graph node: a stable id, a type tag, a property
// mapping, an optional fixed-dimension embedding, and optional
// provenance entries (one per contributing source, concatenated on
// merge per spec.md §4.4).
type Entity struct {
	ID         string
	Type       string
	Properties Properties
	Embedding  []float32
	Provenance []Provenance
}

// Clone deep-copies the parts of e that callers mutate (Properties,
// Provenance, Embedding); the returned Entity shares no backing storage
// with e.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	clone := &Entity{
		ID:   e.ID,
		Type: e.Type,
	}
	if e.Properties != nil {
		clone.Properties = e.Properties.Clone()
	}
	if e.Embedding != nil {
		clone.Embedding = append([]float32(nil), e.Embedding...)
	}
	if e.Provenance != nil {
		clone.Provenance = append([]Provenance(nil), e.Provenance...)
	}
	return clone
}

// Relation is a typed, directed graph edge between two entity ids.
type Relation struct {
	ID         string
	Type       string
	SourceID   string
	TargetID   string
	Properties Properties
	Provenance []Provenance
}

func (r *Relation) Clone() *Relation {
	if r == nil {
		return nil
	}
	clone := &Relation{
		ID:       r.ID,
		Type:     r.Type,
		SourceID: r.SourceID,
		TargetID: r.TargetID,
	}
	if r.Properties != nil {
		clone.Properties = r.Properties.Clone()
	}
	if r.Provenance != nil {
		clone.Provenance = append([]Provenance(nil), r.Provenance...)
	}
	return clone
}

// RelationTypeRule declares, for one relation type, the permitted
// (source_type, target_type) pairs and the required/optional property
// keys with their expected scalar kind.
type RelationTypeRule struct {
	AllowedPairs       [][2]string // [sourceType, targetType]
	RequiredProperties []string
	PropertyKinds      map[string]ScalarKind // optional, keys need not be exhaustive
}

// Schema is the optional declared GraphSchema: entity types and
// relation types with their structural constraints. A nil *Schema
// disables validation silently, per spec.md §3.
type Schema struct {
	EntityTypes   map[string]struct{}
	RelationTypes map[string]RelationTypeRule
}

// NewSchema builds an empty, mutable Schema.
func NewSchema() *Schema {
	return &Schema{
		EntityTypes:   make(map[string]struct{}),
		RelationTypes: make(map[string]RelationTypeRule),
	}
}

// AllowsTriple reports whether (sourceType, relType, targetType) is a
// declared relation shape.
func (s *Schema) AllowsTriple(sourceType, relType, targetType string) bool {
	if s == nil {
		return true
	}
	rule, ok := s.RelationTypes[relType]
	if !ok {
		return false
	}
	for _, pair := range rule.AllowedPairs {
		if pair[0] == sourceType && pair[1] == targetType {
			return true
		}
	}
	return false
}

// MissingRequiredProperties returns the subset of the relation type's
// required properties absent from props.
func (s *Schema) MissingRequiredProperties(relType string, props Properties) []string {
	if s == nil {
		return nil
	}
	rule, ok := s.RelationTypes[relType]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range rule.RequiredProperties {
		if _, ok := props[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}
