package fusion

import (
	"context"
	"sort"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
	"github.com/quantumflow/kgbuilder/internal/graphstore"
)

// LinkResult is the outcome of attempting to link one candidate entity
// against whatever the store already holds.
type LinkResult struct {
	Linked    bool
	Existing  *graphmodel.Entity
	Candidate *graphmodel.Entity
}

// LinkerConfig configures EntityLinker.
type LinkerConfig struct {
	// NameProperty is the property used to derive the name-key matched
	// against existing entities. Defaults to "name".
	NameProperty string
}

func (c LinkerConfig) nameProperty() string {
	if c.NameProperty == "" {
		return "name"
	}
	return c.NameProperty
}

// Linker queries a GraphStore to decide whether a candidate entity
// already exists, recording a property-merge onto the match instead of
// inserting a duplicate.
type Linker struct {
	store graphstore.Store
	cfg   LinkerConfig
}

// NewLinker builds a Linker bound to store.
func NewLinker(store graphstore.Store, cfg LinkerConfig) *Linker {
	return &Linker{store: store, cfg: cfg}
}

// Link attempts to match candidate against existing entities of the
// same type and name-key. Entities lacking the name property are never
// linked (always reported as not-linked, with Existing nil).
func (l *Linker) Link(ctx context.Context, candidate *graphmodel.Entity) (LinkResult, error) {
	nameProp := l.cfg.nameProperty()
	v, ok := candidate.Properties[nameProp]
	if !ok {
		return LinkResult{Linked: false, Candidate: candidate}, nil
	}
	key, hasKey := nameKey(v)
	if !hasKey {
		return LinkResult{Linked: false, Candidate: candidate}, nil
	}

	sameType, err := l.store.GetEntitiesByType(ctx, candidate.Type)
	if err != nil {
		return LinkResult{}, err
	}

	var matches []*graphmodel.Entity
	for _, e := range sameType {
		ev, ok := e.Properties[nameProp]
		if !ok {
			continue
		}
		ek, hasEK := nameKey(ev)
		if !hasEK || ek != key {
			continue
		}
		matches = append(matches, e)
	}

	if len(matches) == 0 {
		return LinkResult{Linked: false, Candidate: candidate}, nil
	}

	best := pickBestMatch(matches)
	return LinkResult{Linked: true, Existing: best, Candidate: candidate}, nil
}

// pickBestMatch breaks ties among matching existing entities: highest
// property count first, then lowest id lexicographically.
func pickBestMatch(matches []*graphmodel.Entity) *graphmodel.Entity {
	sort.Slice(matches, func(i, j int) bool {
		pi, pj := len(matches[i].Properties), len(matches[j].Properties)
		if pi != pj {
			return pi > pj
		}
		return matches[i].ID < matches[j].ID
	})
	return matches[0]
}

// ApplyLink merges a LinkResult's candidate properties onto the
// existing matched entity via a store write, returning the merged
// entity's id. It is the caller's responsibility to only call this for
// results where Linked is true.
func ApplyLink(ctx context.Context, store graphstore.Store, result LinkResult) (string, error) {
	merged := result.Existing.Clone()
	merged.Properties = merged.Properties.Merge(result.Candidate.Properties, nil)
	merged.Provenance = append(merged.Provenance, result.Candidate.Provenance...)
	if result.Candidate.Embedding != nil {
		merged.Embedding = result.Candidate.Embedding
	}
	return store.AddEntity(ctx, merged)
}
