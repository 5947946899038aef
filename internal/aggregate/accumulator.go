// Package aggregate implements AggregationAccumulator (C12): a
// single-pass numeric accumulator built on Welford's algorithm, plus
// the summary-entity construction that StructuredPipeline runs at
// import completion. No stats library exists anywhere in the reference
// corpus, so this is built directly on math, the way the teacher's own
// embedding package hand-rolls its numeric helpers.
package aggregate

import (
	"math"
	"sort"

	"github.com/quantumflow/kgbuilder/internal/graphmodel"
)

// defaultSampleCap bounds how many values Accumulator keeps for
// median/quantile computation once count exceeds it; below the cap the
// sample is the exact list of values seen.
const defaultSampleCap = 10000

// Accumulator is a single-pass numeric accumulator: count, sum,
// min/max, Welford mean/variance, and a capped sample for order
// statistics.
type Accumulator struct {
	count int
	sum   float64
	mean  float64
	m2    float64
	min   float64
	max   float64

	sampleCap int
	sample    []float64
}

// New builds an Accumulator with the default sample cap.
func New() *Accumulator {
	return &Accumulator{sampleCap: defaultSampleCap}
}

// NewWithSampleCap builds an Accumulator that keeps at most sampleCap
// values for order-statistic queries.
func NewWithSampleCap(sampleCap int) *Accumulator {
	return &Accumulator{sampleCap: sampleCap}
}

// Add folds value into the accumulator using Welford's online update.
func (a *Accumulator) Add(value float64) {
	a.count++
	a.sum += value
	if a.count == 1 {
		a.min, a.max = value, value
	} else {
		if value < a.min {
			a.min = value
		}
		if value > a.max {
			a.max = value
		}
	}

	delta := value - a.mean
	a.mean += delta / float64(a.count)
	delta2 := value - a.mean
	a.m2 += delta * delta2

	sampleCap := a.sampleCap
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	if len(a.sample) < sampleCap {
		a.sample = append(a.sample, value)
	} else {
		// Deterministic circular overwrite once the cap is reached: each
		// new value replaces the oldest slot, so the sample holds the
		// most recent cap values, without relying on
		// randomness, which would make accumulator output
		// non-reproducible across otherwise identical runs.
		a.sample[(a.count-1)%sampleCap] = value
	}
}

// Count is the number of values folded in.
func (a *Accumulator) Count() int { return a.count }

// Sum is the running total of every value folded in.
func (a *Accumulator) Sum() float64 { return a.sum }

// Mean is the running arithmetic mean.
func (a *Accumulator) Mean() float64 {
	if a.count == 0 {
		return 0
	}
	return a.mean
}

// Variance is the sample variance (Bessel-corrected); 0 for fewer than
// 2 values.
func (a *Accumulator) Variance() float64 {
	if a.count < 2 {
		return 0
	}
	return a.m2 / float64(a.count-1)
}

// StdDev is the sample standard deviation.
func (a *Accumulator) StdDev() float64 {
	return math.Sqrt(a.Variance())
}

// Min is the smallest value folded in; 0 if none were.
func (a *Accumulator) Min() float64 { return a.min }

// Max is the largest value folded in; 0 if none were.
func (a *Accumulator) Max() float64 { return a.max }

// Median returns the median of the retained sample. When count is at
// or below the sample cap this is exact; above the cap it is an
// estimate over the capped sample.
func (a *Accumulator) Median() float64 {
	return a.Quantile(0.5)
}

// Quantile returns the p-quantile (0 <= p <= 1) of the retained sample,
// linearly interpolated between the two nearest ranks.
func (a *Accumulator) Quantile(p float64) float64 {
	if len(a.sample) == 0 {
		return 0
	}
	sorted := append([]float64{}, a.sample...)
	sort.Float64s(sorted)
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Summary is the deterministic set of statistics written to a
// <Type>_summary entity at import completion.
type Summary struct {
	Count    int
	Sum      float64
	Mean     float64
	Variance float64
	StdDev   float64
	Min      float64
	Max      float64
	Median   float64
}

// SummaryOf snapshots a's current statistics.
func (a *Accumulator) SummaryOf() Summary {
	return Summary{
		Count: a.Count(), Sum: a.Sum(), Mean: a.Mean(), Variance: a.Variance(),
		StdDev: a.StdDev(), Min: a.Min(), Max: a.Max(), Median: a.Median(),
	}
}

// SummaryEntity builds the deterministic summary entity for
// entityType's aggregation over column, named "<Type>_summary" per
// spec. Multiple columns aggregated for the same entity type should be
// folded into one entity's Properties by the caller before writing.
func SummaryEntity(entityType, column string, s Summary) *graphmodel.Entity {
	props := graphmodel.Properties{
		column + "_count":    graphmodel.Scalar(graphmodel.NumberScalar(float64(s.Count))),
		column + "_sum":      graphmodel.Scalar(graphmodel.NumberScalar(s.Sum)),
		column + "_mean":     graphmodel.Scalar(graphmodel.NumberScalar(s.Mean)),
		column + "_variance": graphmodel.Scalar(graphmodel.NumberScalar(s.Variance)),
		column + "_stddev":   graphmodel.Scalar(graphmodel.NumberScalar(s.StdDev)),
		column + "_min":      graphmodel.Scalar(graphmodel.NumberScalar(s.Min)),
		column + "_max":      graphmodel.Scalar(graphmodel.NumberScalar(s.Max)),
		column + "_median":   graphmodel.Scalar(graphmodel.NumberScalar(s.Median)),
	}
	return &graphmodel.Entity{
		ID:         entityType + "_summary",
		Type:       entityType + "_summary",
		Properties: props,
	}
}
