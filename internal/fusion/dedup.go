// Package fusion implements the cross-chunk/cross-row fusion stage
// shared by the text and structured pipelines: entity deduplication,
// entity linking against the store, relation deduplication, and
// relation validation against a schema.
package fusion

import (
	"strings"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// MergeRule resolves a property conflict between two entities or
// relations being merged. When nil, the incoming value wins.
type MergeRule func(key string, existing, incoming graphmodel.PropertyValue) graphmodel.PropertyValue

func mergeProperties(existing, incoming graphmodel.Properties, rule MergeRule) graphmodel.Properties {
	if rule == nil {
		return existing.Merge(incoming, nil)
	}
	return existing.Merge(incoming, func(key string, e, i graphmodel.PropertyValue) graphmodel.PropertyValue {
		return rule(key, e, i)
	})
}

// nameKey normalises a name property value for canonicalisation:
// lower-cased, whitespace-collapsed.
func nameKey(v graphmodel.PropertyValue) (string, bool) {
	if v.Kind != graphmodel.KindScalar || v.Scalar.Kind != graphmodel.ScalarString {
		return "", false
	}
	collapsed := strings.Join(strings.Fields(strings.ToLower(v.Scalar.Str)), " ")
	if collapsed == "" {
		return "", false
	}
	return collapsed, true
}

// DeduplicatorConfig configures EntityDeduplicator and
// RelationDeduplicator.
type DeduplicatorConfig struct {
	// NameProperty is the property used to derive an entity's
	// canonicalisation key. Defaults to "name".
	NameProperty string
	// MergeRule overrides the default later-wins merge policy.
	MergeRule MergeRule
}

func (c DeduplicatorConfig) nameProperty() string {
	if c.NameProperty == "" {
		return "name"
	}
	return c.NameProperty
}

// DeduplicateEntities canonicalises candidates by (type, name-key),
// merging properties (later wins unless MergeRule is set) and
// concatenating provenance for entities that collide. Entities lacking
// the configured name property pass through untouched, each kept as
// its own output entity.
func DeduplicateEntities(candidates []*graphmodel.Entity, cfg DeduplicatorConfig) []*graphmodel.Entity {
	type bucket struct {
		entity *graphmodel.Entity
	}
	order := make([]string, 0, len(candidates))
	byKey := make(map[string]*bucket)
	var passthrough []*graphmodel.Entity

	nameProp := cfg.nameProperty()
	for _, c := range candidates {
		v, ok := c.Properties[nameProp]
		key, hasKey := "", false
		if ok {
			key, hasKey = nameKey(v)
		}
		if !hasKey {
			passthrough = append(passthrough, c.Clone())
			continue
		}
		compositeKey := c.Type + "\x00" + key
		b, exists := byKey[compositeKey]
		if !exists {
			clone := c.Clone()
			byKey[compositeKey] = &bucket{entity: clone}
			order = append(order, compositeKey)
			continue
		}
		b.entity.Properties = mergeProperties(b.entity.Properties, c.Properties, cfg.MergeRule)
		b.entity.Provenance = append(b.entity.Provenance, c.Provenance...)
		if c.Embedding != nil {
			b.entity.Embedding = c.Embedding
		}
	}

	out := make([]*graphmodel.Entity, 0, len(order)+len(passthrough))
	for _, k := range order {
		out = append(out, byKey[k].entity)
	}
	out = append(out, passthrough...)
	return out
}

// DeduplicateRelations canonicalises candidates by (type, source_id,
// target_id), merging properties (later wins unless MergeRule is set)
// and concatenating provenance for collisions.
func DeduplicateRelations(candidates []*graphmodel.Relation, cfg DeduplicatorConfig) []*graphmodel.Relation {
	order := make([]string, 0, len(candidates))
	byKey := make(map[string]*graphmodel.Relation)

	for _, c := range candidates {
		key := c.Type + "\x00" + c.SourceID + "\x00" + c.TargetID
		existing, ok := byKey[key]
		if !ok {
			clone := c.Clone()
			byKey[key] = clone
			order = append(order, key)
			continue
		}
		existing.Properties = mergeProperties(existing.Properties, c.Properties, cfg.MergeRule)
		existing.Provenance = append(existing.Provenance, c.Provenance...)
	}

	out := make([]*graphmodel.Relation, 0, len(order))
	for _, k := range order {
		out = append(out, byKey[k])
	}
	return out
}
