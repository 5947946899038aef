// Package builder implements GraphBuilder (C13), the text-pipeline
// orchestrator that turns one unit of text into entities and relations
// persisted to a GraphStore, and DocumentBuilder (C14), which chunks a
// whole document and fans each chunk out to a GraphBuilder.
package builder

import (
	"context"
	"fmt"
	"time"

	"github.com/quantumflow/kgbuilder/internal/concurrency"
	"github.com/quantumflow/kgbuilder/internal/extract"
	"github.com/quantumflow/kgbuilder/internal/fusion"
	"github.com/quantumflow/kgbuilder/internal/graphmodel"
	"github.com/quantumflow/kgbuilder/internal/graphstore"
	"github.com/quantumflow/kgbuilder/internal/ratelimit"
)

// ProgressCheckpoint names one of the stable points build_from_text
// fires its progress callback at.
type ProgressCheckpoint string

const (
	CheckpointExtractDone  ProgressCheckpoint = "extract_done"
	CheckpointDedupeDone   ProgressCheckpoint = "dedupe_done"
	CheckpointLinkDone     ProgressCheckpoint = "link_done"
	CheckpointValidateDone ProgressCheckpoint = "validate_done"
	CheckpointPersistDone  ProgressCheckpoint = "persist_done"
)

var checkpointProgress = map[ProgressCheckpoint]float64{
	CheckpointExtractDone:  0.2,
	CheckpointDedupeDone:   0.4,
	CheckpointLinkDone:     0.6,
	CheckpointValidateDone: 0.8,
	CheckpointPersistDone:  1.0,
}

// ProgressFunc is called at each checkpoint. Panics inside it are
// recovered and ignored — a misbehaving callback must never abort a
// build.
type ProgressFunc func(checkpoint ProgressCheckpoint, progressPct float64)

func fireProgress(cb ProgressFunc, checkpoint ProgressCheckpoint) {
	if cb == nil {
		return
	}
	defer func() { _ = recover() }()
	cb(checkpoint, checkpointProgress[checkpoint])
}

// BuildResult aggregates the outcome of one build_from_text call.
type BuildResult struct {
	Success               bool
	EntitiesAdded         int
	RelationsAdded        int
	EntitiesLinked        int
	EntitiesDeduplicated  int
	RelationsDeduplicated int
	Warnings              []string
	Errors                []string
	Duration              time.Duration
}

// Config configures which optional stages of build_from_text run.
type Config struct {
	EnableDeduplication bool
	EnableLinking       bool
	EnableValidation    bool

	DedupConfig  fusion.DeduplicatorConfig
	LinkerConfig fusion.LinkerConfig
	Schema       *graphmodel.Schema

	// EmbedBatchSize is not read by GraphBuilder: each new entity is
	// embedded with its own EmbeddingProvider.Embed call, so embedding
	// is not batched whatever its value.
	EmbedBatchSize int
}

// DefaultConfig enables deduplication, linking and relation validation, the conservative
// default for a store that may already hold entities from prior runs.
func DefaultConfig() Config {
	return Config{EnableDeduplication: true, EnableLinking: true, EnableValidation: true}
}

// GraphBuilder orchestrates build_from_text against a GraphStore.
type GraphBuilder struct {
	Store              graphstore.Store
	EntityExtractor    extract.EntityExtractor
	RelationExtractor  extract.RelationExtractor
	EmbeddingProvider  extract.EmbeddingProvider
	RateLimiter        *ratelimit.Limiter
	Config             Config
}

// NewGraphBuilder builds a GraphBuilder over store using cfg.
func NewGraphBuilder(store graphstore.Store, entityExtractor extract.EntityExtractor, relationExtractor extract.RelationExtractor, cfg Config) *GraphBuilder {
	return &GraphBuilder{
		Store:             store,
		EntityExtractor:   entityExtractor,
		RelationExtractor: relationExtractor,
		Config:            cfg,
	}
}

// BuildFromText runs the full text-pipeline unit of work over one
// piece of text. Extractor/relation-extractor failures are recorded
// into the result's Errors rather than returned, so build_batch can
// keep collecting results uniformly; the returned error is always nil,
// and a cancelled ctx surfaces through the failures it causes in the
// calls it is passed to.
func (b *GraphBuilder) BuildFromText(ctx context.Context, text, source string, metadata map[string]string, entityTypes, relationTypes []string, progress ProgressFunc) (*BuildResult, error) {
	start := time.Now()
	result := &BuildResult{}

	if b.RateLimiter != nil {
		if err := b.RateLimiter.Wait(ctx, "extract"); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rate limit wait for extraction: %v", err))
			result.Duration = time.Since(start)
			return result, nil
		}
	}
	entities, err := b.EntityExtractor.ExtractEntities(ctx, text, entityTypes)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("entity extraction failed: %v", err))
		result.Duration = time.Since(start)
		return result, nil
	}
	fireProgress(progress, CheckpointExtractDone)

	if len(entities) == 0 {
		result.Success = true
		result.Warnings = append(result.Warnings, "no entities extracted")
		result.Duration = time.Since(start)
		return result, nil
	}

	if b.Config.EnableDeduplication {
		before := len(entities)
		entities = fusion.DeduplicateEntities(entities, b.Config.DedupConfig)
		result.EntitiesDeduplicated = before - len(entities)
	}
	fireProgress(progress, CheckpointDedupeDone)

	var linkResults []fusion.LinkResult
	var newEntities []*graphmodel.Entity
	if b.Config.EnableLinking && b.Store != nil {
		linker := fusion.NewLinker(b.Store, b.Config.LinkerConfig)
		for _, e := range entities {
			lr, err := linker.Link(ctx, e)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("linking entity %s: %v", e.ID, err))
				continue
			}
			if lr.Linked {
				linkResults = append(linkResults, lr)
			} else {
				newEntities = append(newEntities, e)
			}
		}
	} else {
		newEntities = entities
	}
	fireProgress(progress, CheckpointLinkDone)

	unified := make([]*graphmodel.Entity, 0, len(newEntities)+len(linkResults))
	unified = append(unified, newEntities...)
	for _, lr := range linkResults {
		unified = append(unified, lr.Existing)
	}

	var relations []*graphmodel.Relation
	if len(unified) < 2 {
		result.Warnings = append(result.Warnings, "not enough entities for relations")
	} else if b.RateLimiter != nil && b.RateLimiter.Wait(ctx, "extract") != nil {
		result.Errors = append(result.Errors, "rate limit wait for relation extraction failed")
	} else {
		relations, err = b.RelationExtractor.ExtractRelations(ctx, text, unified, relationTypes)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("relation extraction failed: %v", err))
			relations = nil
		}
	}

	if b.Config.EnableDeduplication && len(relations) > 0 {
		before := len(relations)
		relations = fusion.DeduplicateRelations(relations, b.Config.DedupConfig)
		result.RelationsDeduplicated = before - len(relations)
	}

	if b.Config.EnableValidation && b.Config.Schema != nil && len(relations) > 0 {
		typeOf := make(map[string]string, len(unified))
		for _, e := range unified {
			typeOf[e.ID] = e.Type
		}
		vr := fusion.ValidateRelations(relations, b.Config.Schema, func(id string) (string, bool) {
			t, ok := typeOf[id]
			return t, ok
		})
		relations = vr.Accepted
		result.Warnings = append(result.Warnings, vr.Warnings...)
	}
	fireProgress(progress, CheckpointValidateDone)

	if b.EmbeddingProvider != nil {
		b.embedEntities(ctx, newEntities, result)
	}

	now := time.Now()
	provenanceMeta := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		provenanceMeta[k] = v
	}
	prov := graphmodel.Provenance{SourceID: source, Timestamp: now, Metadata: provenanceMeta}

	for _, e := range newEntities {
		e.Provenance = append(e.Provenance, prov)
	}
	for _, r := range relations {
		r.Provenance = append(r.Provenance, prov)
	}

	b.persist(ctx, newEntities, linkResults, relations, result)
	fireProgress(progress, CheckpointPersistDone)

	result.Success = len(result.Errors) == 0 || result.EntitiesAdded > 0 || result.EntitiesLinked > 0
	result.Duration = time.Since(start)
	return result, nil
}

func (b *GraphBuilder) embedEntities(ctx context.Context, entities []*graphmodel.Entity, result *BuildResult) {
	for _, e := range entities {
		if b.RateLimiter != nil {
			if err := b.RateLimiter.Wait(ctx, "embed"); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("rate limit wait for embedding: %v", err))
				return
			}
		}
		nameProp := "name"
		text := e.Type
		if v, ok := e.Properties[nameProp]; ok && v.Kind == graphmodel.KindScalar {
			text = v.Scalar.Str
		}
		vec, err := b.EmbeddingProvider.Embed(ctx, text)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("embedding entity %s: %v", e.ID, err))
			continue
		}
		e.Embedding = vec
	}
}

func (b *GraphBuilder) persist(ctx context.Context, newEntities []*graphmodel.Entity, linkResults []fusion.LinkResult, relations []*graphmodel.Relation, result *BuildResult) {
	if b.Store == nil {
		return
	}
	for _, e := range newEntities {
		if _, err := b.Store.AddEntity(ctx, e); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("persisting entity %s: %v", e.ID, err))
			continue
		}
		result.EntitiesAdded++
	}
	for _, lr := range linkResults {
		if _, err := fusion.ApplyLink(ctx, b.Store, lr); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("linking entity %s: %v", lr.Candidate.ID, err))
			continue
		}
		result.EntitiesLinked++
	}
	for _, r := range relations {
		if _, err := b.Store.AddRelation(ctx, r); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("persisting relation %s: %v", r.ID, err))
			continue
		}
		result.RelationsAdded++
	}
}

// ErrBatchSizeMismatch is a configuration error: build_batch requires
// sources to have the same length as texts when sources is non-empty.
type ErrBatchSizeMismatch struct {
	Texts, Sources int
}

func (e *ErrBatchSizeMismatch) Error() string {
	return fmt.Sprintf("builder: %d texts but %d sources", e.Texts, e.Sources)
}

// BuildBatch runs BuildFromText once per text. When parallel is false,
// units run in declaration order; when true, at most maxParallel run
// concurrently. Results are returned in input order regardless of
// execution order.
func (b *GraphBuilder) BuildBatch(ctx context.Context, texts []string, sources []string, parallel bool, maxParallel int) ([]*BuildResult, error) {
	if len(sources) > 0 && len(sources) != len(texts) {
		return nil, &ErrBatchSizeMismatch{Texts: len(texts), Sources: len(sources)}
	}

	results := make([]*BuildResult, len(texts))
	run := func(i int) {
		source := ""
		if len(sources) > 0 {
			source = sources[i]
		}
		r, _ := b.BuildFromText(ctx, texts[i], source, nil, nil, nil, nil)
		results[i] = r
	}

	if parallel {
		concurrency.RunBounded(len(texts), maxParallel, run)
	} else {
		concurrency.RunSequential(len(texts), run)
	}
	return results, nil
}
