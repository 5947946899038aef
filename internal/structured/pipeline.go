// Package structured implements StructuredPipeline (C15), the
// tabular-import counterpart to internal/builder's text pipeline:
// read rows -> optional reshape (C9) -> schema mapping (C8) -> optional
// quality validation (C11) -> aggregation (C12) -> dedup/link/validate
// (C4-C7) -> persist, plus ImportOptimizer (C16)'s batch-size and
// performance tracking.
package structured

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/quantumflow/kgbuilder/internal/aggregate"
	"github.com/quantumflow/kgbuilder/internal/concurrency"
	"github.com/quantumflow/kgbuilder/internal/fusion"
	"github.com/quantumflow/kgbuilder/internal/graphmodel"
	"github.com/quantumflow/kgbuilder/internal/graphstore"
	"github.com/quantumflow/kgbuilder/internal/quality"
	"github.com/quantumflow/kgbuilder/internal/reshape"
	"github.com/quantumflow/kgbuilder/internal/schema"
)

// ReshapeConfig turns on a Melt pass (spec.md §4.9) before mapping. Melt
// and Pivot both need the whole table in memory, so configuring this
// forces the pipeline to fully materialize the source before streaming
// resumes over the melted result.
type ReshapeConfig struct {
	IDVars    []string
	ValueVars []string
	VarName   string
	ValueName string
}

func (r ReshapeConfig) varName() string {
	if r.VarName == "" {
		return "variable"
	}
	return r.VarName
}

func (r ReshapeConfig) valueName() string {
	if r.ValueName == "" {
		return "value"
	}
	return r.ValueName
}

// ProgressFunc is called once per batch. Panics inside it are recovered
// and ignored. progressPct is -1 when the total row count isn't known
// up front (CSV/JSON streams).
type ProgressFunc func(message string, progressPct float64)

// Config configures one StructuredPipeline import.
type Config struct {
	Mapping schema.Mapping
	Reshape *ReshapeConfig

	Quality                 *quality.RuleSet
	FailOnQualityViolations bool

	Schema *graphmodel.Schema

	EnableDedup   bool
	EnableLinking bool
	Dedup         fusion.DeduplicatorConfig
	Linker        fusion.LinkerConfig

	// AggregateColumns are numeric columns fed into a running
	// aggregate.Accumulator per column, summarized into a
	// "<AggregationEntityType>_summary" entity at the end of the
	// import.
	AggregateColumns      []string
	AggregationEntityType string

	// SkipErrors, when true, records per-row FieldErrors and continues;
	// when false, any row error aborts the whole import.
	SkipErrors bool

	// Parallel distributes one batch's row transformation across
	// MaxWorkers goroutines; persistence still runs on a single
	// goroutine afterward (MaxWorkers <= 0 means one worker per row).
	Parallel   bool
	MaxWorkers int

	BatchSize int
	Progress  ProgressFunc
}

// DefaultConfig enables dedup, linking, and the skip_errors policy —
// the forgiving default for a first import pass over untrusted data.
func DefaultConfig(mapping schema.Mapping) Config {
	return Config{Mapping: mapping, EnableDedup: true, EnableLinking: true, SkipErrors: true}
}

// ImportResult aggregates the outcome of one import.
type ImportResult struct {
	Success         bool
	RowsProcessed   int
	RowsFailed      int
	EntitiesAdded   int
	RelationsAdded  int
	Warnings        []string
	Errors          []string
	DurationSeconds float64

	QualityReport      *quality.QualityReport
	PerformanceMetrics *PerformanceMetrics
}

// StructuredPipeline drives one tabular import against a GraphStore.
type StructuredPipeline struct {
	Store  graphstore.Store
	Config Config
}

// NewStructuredPipeline builds a StructuredPipeline over store using
// cfg.
func NewStructuredPipeline(store graphstore.Store, cfg Config) *StructuredPipeline {
	return &StructuredPipeline{Store: store, Config: cfg}
}

// ImportFromCSV streams rows from an already-open CSV reader.
func (p *StructuredPipeline) ImportFromCSV(ctx context.Context, reader *CSVReader) (*ImportResult, error) {
	return p.Import(ctx, reader)
}

// ImportFromJSON streams rows from an already-open JSON array reader.
func (p *StructuredPipeline) ImportFromJSON(ctx context.Context, reader *JSONReader) (*ImportResult, error) {
	return p.Import(ctx, reader)
}

// ImportFromDataFrame imports an in-memory row set directly, the path
// used by callers who already hold parsed rows (e.g. from a prior
// reshape or a format this module reads some other way).
func (p *StructuredPipeline) ImportFromDataFrame(ctx context.Context, rows []schema.Row) (*ImportResult, error) {
	return p.Import(ctx, NewSliceReader(rows))
}

// ImportFromExcel and ImportFromSPSS are named per spec.md §4.15 but
// have no reachable implementation in this module: see
// UnsupportedReader's doc comment for why.
func (p *StructuredPipeline) ImportFromExcel(ctx context.Context) (*ImportResult, error) {
	return p.Import(ctx, UnsupportedReader{Format: "Excel"})
}

func (p *StructuredPipeline) ImportFromSPSS(ctx context.Context) (*ImportResult, error) {
	return p.Import(ctx, UnsupportedReader{Format: "SPSS"})
}

// Import runs the full tabular pipeline over reader.
func (p *StructuredPipeline) Import(ctx context.Context, reader TabularReader) (*ImportResult, error) {
	start := time.Now()
	result := &ImportResult{}
	perf := NewPerformanceMetrics()
	memTracker := NewMemoryTracker()

	if p.Config.Reshape != nil {
		reshaped, err := p.materializeReshaped(ctx, reader, perf)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			result.DurationSeconds = time.Since(start).Seconds()
			perf.Finish()
			result.PerformanceMetrics = perf
			return result, nil
		}
		reader = reshaped
	}

	optimizer := NewBatchSizeOptimizer(p.Config.BatchSize)
	state := &importState{
		idTypeCache:         make(map[string]string),
		aggregators:         make(map[string]*aggregate.Accumulator),
		completenessNonNull: make(map[string]int),
		completenessTotal:   make(map[string]int),
	}

	totalRows, knownTotal := 0, false
	if counter, ok := reader.(interface{ TotalRowCount() (int, bool) }); ok {
		totalRows, knownTotal = counter.TotalRowCount()
	}

	aborted := false
	rowOffset := 0
	for {
		batchSize := optimizer.EstimateBatchSize()
		readStart := time.Now()
		rows, more, err := reader.ReadBatch(ctx, batchSize)
		perf.AddReadSeconds(time.Since(readStart).Seconds())
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reading batch: %v", err))
			aborted = true
			break
		}
		if len(rows) == 0 {
			if !more {
				break
			}
			continue
		}

		batchStart := time.Now()
		ok := p.processBatch(ctx, rows, rowOffset, state, result, perf)
		optimizer.RecordBatchTime(time.Since(batchStart), len(rows))
		perf.IncrementBatchCount()
		memTracker.Sample()
		rowOffset += len(rows)

		pct := -1.0
		if knownTotal && totalRows > 0 {
			pct = float64(rowOffset) / float64(totalRows)
		}
		p.fireProgress(fmt.Sprintf("processed %d rows", rowOffset), pct)

		if !ok {
			aborted = true
			break
		}
		if !more {
			break
		}
	}

	if p.Config.Quality != nil {
		rangeCounts, outlierCounts := violationCountsByColumn(state.qualityViolations)
		result.QualityReport = &quality.QualityReport{
			Violations:        state.qualityViolations,
			Completeness:      completenessRatios(state.completenessNonNull, state.completenessTotal),
			RangeViolations:   rangeCounts,
			OutlierViolations: outlierCounts,
			RowsProcessed:     result.RowsProcessed,
		}
	}

	for _, col := range sortedAggregateColumns(p.Config.AggregateColumns) {
		acc, ok := state.aggregators[col]
		if !ok {
			continue
		}
		entity := aggregate.SummaryEntity(p.Config.AggregationEntityType, col, acc.SummaryOf())
		if _, err := p.Store.AddEntity(ctx, entity); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("writing aggregation summary for %s: %v", col, err))
		}
	}

	perf.Finish()
	perf.RecordMemory(memTracker)
	result.PerformanceMetrics = perf
	result.Success = !aborted
	result.DurationSeconds = time.Since(start).Seconds()
	return result, nil
}

// materializeReshaped fully drains reader, applies Melt, and wraps the
// result as a SliceReader — the one place a normally-streaming import
// must hold the whole table in memory.
func (p *StructuredPipeline) materializeReshaped(ctx context.Context, reader TabularReader, perf *PerformanceMetrics) (*SliceReader, error) {
	var all []schema.Row
	for {
		readStart := time.Now()
		rows, more, err := reader.ReadBatch(ctx, maxBatchSize)
		perf.AddReadSeconds(time.Since(readStart).Seconds())
		if err != nil {
			return nil, fmt.Errorf("structured: reading table for reshape: %w", err)
		}
		all = append(all, rows...)
		if !more {
			break
		}
	}

	rc := p.Config.Reshape
	table := reshape.Table{Columns: reader.Columns(), Rows: all}
	melted := reshape.Melt(table, rc.IDVars, rc.ValueVars, rc.varName(), rc.valueName())
	return NewSliceReader(melted.Rows), nil
}

func (p *StructuredPipeline) fireProgress(message string, pct float64) {
	if p.Config.Progress == nil {
		return
	}
	defer func() { _ = recover() }()
	p.Config.Progress(message, pct)
}

// importState threads running state across batches: known entity
// types (for relation validation against entities written in earlier
// batches), per-column numeric accumulators, and completeness tallies.
type importState struct {
	idTypeCache         map[string]string
	aggregators         map[string]*aggregate.Accumulator
	qualityViolations   []quality.Violation
	completenessNonNull map[string]int
	completenessTotal   map[string]int
}

// rowResult is one row's transform output, computed independently of
// every other row so it can run on its own goroutine in parallel mode.
type rowResult struct {
	entities  []*graphmodel.Entity
	relations []*graphmodel.Relation
	errs      []string
	failed    bool
}

func (p *StructuredPipeline) transformRow(row schema.Row, rowIdx int) rowResult {
	var rr rowResult
	for _, em := range p.Config.Mapping.EntityMappings {
		e, err := schema.ApplyEntityMapping(em, row, rowIdx)
		if err != nil {
			rr.errs = append(rr.errs, err.Error())
			rr.failed = true
			continue
		}
		rr.entities = append(rr.entities, e)
	}
	for _, rm := range p.Config.Mapping.RelationMappings {
		r, err := schema.ApplyRelationMapping(rm, row, rowIdx)
		if err != nil {
			rr.errs = append(rr.errs, err.Error())
			rr.failed = true
			continue
		}
		rr.relations = append(rr.relations, r)
	}
	return rr
}

func (p *StructuredPipeline) processBatch(ctx context.Context, rows []schema.Row, rowOffset int, state *importState, result *ImportResult, perf *PerformanceMetrics) bool {
	transformStart := time.Now()

	results := make([]rowResult, len(rows))
	if p.Config.Parallel {
		concurrency.RunBounded(len(rows), p.Config.MaxWorkers, func(i int) {
			results[i] = p.transformRow(rows[i], rowOffset+i)
		})
	} else {
		concurrency.RunSequential(len(rows), func(i int) {
			results[i] = p.transformRow(rows[i], rowOffset+i)
		})
	}

	var candidateEntities []*graphmodel.Entity
	var candidateRelations []*graphmodel.Relation
	fatal := false
	for i, rr := range results {
		result.Errors = append(result.Errors, rr.errs...)
		if rr.failed {
			result.RowsFailed++
			if !p.Config.SkipErrors {
				fatal = true
			}
		} else {
			result.RowsProcessed++
		}
		candidateEntities = append(candidateEntities, rr.entities...)
		candidateRelations = append(candidateRelations, rr.relations...)

		row := rows[i]
		for _, col := range p.Config.AggregateColumns {
			v, ok := numericValue(row[col])
			if !ok {
				continue
			}
			acc, exists := state.aggregators[col]
			if !exists {
				acc = aggregate.New()
				state.aggregators[col] = acc
			}
			acc.Add(v)
		}

		if p.Config.Quality != nil {
			for _, col := range p.Config.Quality.RequiredProperties {
				state.completenessTotal[col]++
				if v, ok := row[col]; ok && !isBlankValue(v) {
					state.completenessNonNull[col]++
				}
			}
		}
	}
	perf.AddTransformSeconds(time.Since(transformStart).Seconds())
	if fatal {
		return false
	}

	if p.Config.Quality != nil {
		report, err := quality.Validate(rows, *p.Config.Quality, p.Config.FailOnQualityViolations)
		state.qualityViolations = append(state.qualityViolations, offsetViolations(report.Violations, rowOffset)...)
		if err != nil {
			var violationsErr *quality.ErrViolationsFound
			if errors.As(err, &violationsErr) {
				result.Errors = append(result.Errors, err.Error())
				return false
			}
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if p.Config.EnableDedup {
		candidateEntities = fusion.DeduplicateEntities(candidateEntities, p.Config.Dedup)
		candidateRelations = fusion.DeduplicateRelations(candidateRelations, p.Config.Dedup)
	}

	var newEntities []*graphmodel.Entity
	var linkResults []fusion.LinkResult
	if p.Config.EnableLinking {
		linker := fusion.NewLinker(p.Store, p.Config.Linker)
		for _, e := range candidateEntities {
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
		newEntities = candidateEntities
	}

	for _, e := range newEntities {
		state.idTypeCache[e.ID] = e.Type
	}
	for _, lr := range linkResults {
		state.idTypeCache[lr.Existing.ID] = lr.Existing.Type
	}

	if p.Config.Schema != nil {
		vr := fusion.ValidateRelations(candidateRelations, p.Config.Schema, func(id string) (string, bool) {
			return p.resolveEntityType(ctx, state, id)
		})
		candidateRelations = vr.Accepted
		result.Warnings = append(result.Warnings, vr.Warnings...)
	}

	writeStart := time.Now()
	p.persistEntities(ctx, newEntities, linkResults, result)
	p.persistRelations(ctx, candidateRelations, result)
	perf.AddWriteSeconds(time.Since(writeStart).Seconds())

	return true
}

func (p *StructuredPipeline) resolveEntityType(ctx context.Context, state *importState, id string) (string, bool) {
	if t, ok := state.idTypeCache[id]; ok {
		return t, true
	}
	e, err := p.Store.GetEntity(ctx, id)
	if err != nil || e == nil {
		return "", false
	}
	state.idTypeCache[id] = e.Type
	return e.Type, true
}

// persistEntities prefers a bulk write, falling back to per-entity
// writes (recording which ones failed) only if the bulk call itself
// errors.
func (p *StructuredPipeline) persistEntities(ctx context.Context, newEntities []*graphmodel.Entity, linkResults []fusion.LinkResult, result *ImportResult) {
	if len(newEntities) > 0 {
		if ids, err := p.Store.AddEntities(ctx, newEntities); err == nil {
			result.EntitiesAdded += len(ids)
		} else {
			for _, e := range newEntities {
				if _, err := p.Store.AddEntity(ctx, e); err != nil {
					result.Errors = append(result.Errors, fmt.Sprintf("persisting entity %s: %v", e.ID, err))
					continue
				}
				result.EntitiesAdded++
			}
		}
	}
	for _, lr := range linkResults {
		if _, err := fusion.ApplyLink(ctx, p.Store, lr); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("linking entity %s: %v", lr.Candidate.ID, err))
		}
	}
}

func (p *StructuredPipeline) persistRelations(ctx context.Context, relations []*graphmodel.Relation, result *ImportResult) {
	if len(relations) == 0 {
		return
	}
	if ids, err := p.Store.AddRelations(ctx, relations); err == nil {
		result.RelationsAdded += len(ids)
		return
	}
	for _, r := range relations {
		if _, err := p.Store.AddRelation(ctx, r); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("persisting relation %s: %v", r.ID, err))
			continue
		}
		result.RelationsAdded++
	}
}

func offsetViolations(violations []quality.Violation, offset int) []quality.Violation {
	out := make([]quality.Violation, len(violations))
	for i, v := range violations {
		v.RowIndex += offset
		out[i] = v
	}
	return out
}

func violationCountsByColumn(violations []quality.Violation) (rangeCounts, outlierCounts map[string]int) {
	rangeCounts = make(map[string]int)
	outlierCounts = make(map[string]int)
	for _, v := range violations {
		switch v.Type {
		case quality.ViolationRange:
			rangeCounts[v.Column]++
		case quality.ViolationOutlier:
			outlierCounts[v.Column]++
		}
	}
	return rangeCounts, outlierCounts
}

func completenessRatios(nonNull, total map[string]int) map[string]float64 {
	out := make(map[string]float64, len(total))
	for col, t := range total {
		if t == 0 {
			out[col] = 0
			continue
		}
		out[col] = float64(nonNull[col]) / float64(t)
	}
	return out
}

func sortedAggregateColumns(cols []string) []string {
	out := append([]string(nil), cols...)
	sort.Strings(out)
	return out
}

func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		if t == "" {
			return 0, false
		}
		n, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func isBlankValue(v interface{}) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
