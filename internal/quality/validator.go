// Package quality implements DataQualityValidator (C11): configurable
// range/outlier/required-property rules evaluated per row, accumulated
// into a QualityReport, with an optional fail-fast policy.
package quality

import (
	"fmt"
	"math"
	"sort"

	"github.com/quantumflow/kgbuilder/internal/schema"
)

// RangeRule bounds a numeric column to [Min, Max] inclusive.
type RangeRule struct {
	Min float64
	Max float64
}

// OutlierMethod names how OutlierRule flags extreme values.
type OutlierMethod int

const (
	ZScore OutlierMethod = iota
	IQR
)

// OutlierRule flags values in a numeric column beyond Threshold
// standard deviations (ZScore) or beyond Threshold * IQR from the
// nearest quartile (IQR).
type OutlierRule struct {
	Method    OutlierMethod
	Threshold float64
}

// RuleSet is the configurable rule collection evaluated per entity
// type.
type RuleSet struct {
	RangeRules          map[string]RangeRule
	OutlierRules        map[string]OutlierRule
	RequiredProperties   []string
	// DetectOutliers is a shortcut that applies zscore > 3 to every
	// numeric column not already covered by an explicit OutlierRule.
	DetectOutliers bool
}

// ViolationType names the kind of rule a row failed.
type ViolationType int

const (
	ViolationRange ViolationType = iota
	ViolationOutlier
	ViolationRequired
)

func (v ViolationType) String() string {
	switch v {
	case ViolationRange:
		return "range"
	case ViolationOutlier:
		return "outlier"
	case ViolationRequired:
		return "required"
	default:
		return "unknown"
	}
}

// Violation records one rule failure.
type Violation struct {
	RowIndex int
	Column   string
	Type     ViolationType
	Observed interface{}
	Rule     string
}

// QualityReport accumulates every violation found, counted by column,
// plus per-required-column completeness ratios.
type QualityReport struct {
	Violations   []Violation
	Completeness map[string]float64

	// RangeViolations and OutlierViolations count violations by column
	// (spec.md §3/§8 scenario 6), e.g. RangeViolations["value"] >= 1.
	RangeViolations   map[string]int
	OutlierViolations map[string]int

	RowsProcessed int
}

// ErrViolationsFound is returned by Validate when fail_on_violations is
// true and at least one row violates a rule.
type ErrViolationsFound struct {
	Report QualityReport
}

func (e *ErrViolationsFound) Error() string {
	return fmt.Sprintf("quality: %d rule violation(s) found", len(e.Report.Violations))
}

// Validate evaluates rules against rows. When failOnViolations is true,
// the first violation aborts with an *ErrViolationsFound carrying every
// violation found up to and including that row; when false, every row
// is evaluated, no error is returned for violations, and all violations
// are accumulated into the report.
func Validate(rows []schema.Row, rules RuleSet, failOnViolations bool) (QualityReport, error) {
	report := QualityReport{
		Completeness:      make(map[string]float64),
		RangeViolations:   make(map[string]int),
		OutlierViolations: make(map[string]int),
	}

	columns := numericColumnsNeedingStats(rules, rows)
	stats := make(map[string]columnStats, len(columns))
	for _, c := range columns {
		stats[c] = computeColumnStats(rows, c)
	}

	outlierRules := effectiveOutlierRules(rules, rows)

	for i, row := range rows {
		report.RowsProcessed++

		for column, rule := range rules.RangeRules {
			v, ok := numericValue(row[column])
			if !ok {
				continue
			}
			if v < rule.Min || v > rule.Max {
				report.Violations = append(report.Violations, Violation{
					RowIndex: i, Column: column, Type: ViolationRange, Observed: v,
					Rule: fmt.Sprintf("range[%v,%v]", rule.Min, rule.Max),
				})
				report.RangeViolations[column]++
			}
		}

		for column, rule := range outlierRules {
			v, ok := numericValue(row[column])
			if !ok {
				continue
			}
			st := stats[column]
			if isOutlier(v, st, rule) {
				report.Violations = append(report.Violations, Violation{
					RowIndex: i, Column: column, Type: ViolationOutlier, Observed: v,
					Rule: fmt.Sprintf("outlier method=%v threshold=%v", rule.Method, rule.Threshold),
				})
				report.OutlierViolations[column]++
			}
		}

		for _, column := range rules.RequiredProperties {
			v, ok := row[column]
			if !ok || isBlank(v) {
				report.Violations = append(report.Violations, Violation{
					RowIndex: i, Column: column, Type: ViolationRequired, Observed: v,
					Rule: "required",
				})
			}
		}

		if failOnViolations && len(report.Violations) > 0 {
			return report, &ErrViolationsFound{Report: report}
		}
	}

	for _, column := range rules.RequiredProperties {
		nonNull := 0
		for _, row := range rows {
			v, ok := row[column]
			if ok && !isBlank(v) {
				nonNull++
			}
		}
		if len(rows) == 0 {
			report.Completeness[column] = 0
		} else {
			report.Completeness[column] = float64(nonNull) / float64(len(rows))
		}
	}

	return report, nil
}

// defaultOutlierThreshold is the zscore cutoff DetectOutliers applies
// to numeric columns with no explicit OutlierRule.
const defaultOutlierThreshold = 3.0

func effectiveOutlierRules(rules RuleSet, rows []schema.Row) map[string]OutlierRule {
	out := make(map[string]OutlierRule, len(rules.OutlierRules))
	for c, r := range rules.OutlierRules {
		out[c] = r
	}
	if rules.DetectOutliers {
		for c := range numericColumnsOf(rows) {
			if _, explicit := out[c]; !explicit {
				out[c] = OutlierRule{Method: ZScore, Threshold: defaultOutlierThreshold}
			}
		}
	}
	return out
}

func numericColumnsNeedingStats(rules RuleSet, rows []schema.Row) []string {
	set := make(map[string]bool)
	for c := range rules.OutlierRules {
		set[c] = true
	}
	if rules.DetectOutliers {
		for c := range numericColumnsOf(rows) {
			set[c] = true
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// numericColumnsOf finds every column where every present value across
// rows parses as numeric, the candidate set for the DetectOutliers
// shortcut.
func numericColumnsOf(rows []schema.Row) map[string]bool {
	candidate := make(map[string]bool)
	disqualified := make(map[string]bool)
	for _, row := range rows {
		for col, v := range row {
			if disqualified[col] {
				continue
			}
			if isBlank(v) {
				continue
			}
			if _, ok := numericValue(v); ok {
				candidate[col] = true
			} else {
				disqualified[col] = true
				delete(candidate, col)
			}
		}
	}
	return candidate
}

type columnStats struct {
	mean     float64
	stddev   float64
	q1, q3   float64
	iqr      float64
}

func computeColumnStats(rows []schema.Row, column string) columnStats {
	var values []float64
	for _, row := range rows {
		if v, ok := numericValue(row[column]); ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return columnStats{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	variance := 0.0
	if len(values) > 1 {
		variance = sumSq / float64(len(values)-1)
	}

	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	q1 := percentile(sorted, 0.25)
	q3 := percentile(sorted, 0.75)

	return columnStats{mean: mean, stddev: math.Sqrt(variance), q1: q1, q3: q3, iqr: q3 - q1}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
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

func isOutlier(v float64, st columnStats, rule OutlierRule) bool {
	switch rule.Method {
	case ZScore:
		if st.stddev == 0 {
			return false
		}
		z := math.Abs(v-st.mean) / st.stddev
		return z > rule.Threshold
	case IQR:
		if st.iqr == 0 {
			return false
		}
		lower := st.q1 - rule.Threshold*st.iqr
		upper := st.q3 + rule.Threshold*st.iqr
		return v < lower || v > upper
	default:
		return false
	}
}

func numericValue(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isBlank(v interface{}) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}
