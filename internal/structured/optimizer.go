package structured

import (
	"runtime"
	"time"
)

// PerformanceMetrics accumulates where an import spent its time:
// reading, transforming, and writing, plus how many batches ran.
// Purely observational — it never changes import semantics.
type PerformanceMetrics struct {
	start time.Time
	end   time.Time

	ReadSeconds      float64
	TransformSeconds float64
	WriteSeconds     float64
	BatchCount       int

	MemoryInitialMB float64
	MemoryPeakMB    float64
}

// RecordMemory copies a MemoryTracker's readings in.
func (p *PerformanceMetrics) RecordMemory(m *MemoryTracker) {
	p.MemoryInitialMB = m.InitialMB()
	p.MemoryPeakMB = m.PeakMB()
}

// NewPerformanceMetrics starts a metrics collector timed from now.
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{start: time.Now()}
}

func (p *PerformanceMetrics) AddReadSeconds(s float64)      { p.ReadSeconds += s }
func (p *PerformanceMetrics) AddTransformSeconds(s float64) { p.TransformSeconds += s }
func (p *PerformanceMetrics) AddWriteSeconds(s float64)     { p.WriteSeconds += s }
func (p *PerformanceMetrics) IncrementBatchCount()          { p.BatchCount++ }

// Finish stops the clock. TotalSeconds is 0 until this is called.
func (p *PerformanceMetrics) Finish() { p.end = time.Now() }

// TotalSeconds is the wall-clock duration between NewPerformanceMetrics
// and Finish.
func (p *PerformanceMetrics) TotalSeconds() float64 {
	if p.end.IsZero() {
		return 0
	}
	return p.end.Sub(p.start).Seconds()
}

const (
	minBatchSize     = 100
	maxBatchSize     = 50000
	defaultBatchSize = 1000
	// targetBatchSeconds is the per-batch processing time
	// BatchSizeOptimizer steers toward: short enough that progress
	// callbacks and memory stay responsive, long enough to amortize
	// per-batch overhead.
	targetBatchSeconds = 0.5
)

// BatchSizeOptimizer adapts the row count requested per ReadBatch call
// to keep per-batch processing time near targetBatchSeconds, clamped to
// [minBatchSize, maxBatchSize].
type BatchSizeOptimizer struct {
	current int
}

// NewBatchSizeOptimizer seeds the optimizer with an initial batch size;
// initial <= 0 uses defaultBatchSize.
func NewBatchSizeOptimizer(initial int) *BatchSizeOptimizer {
	if initial <= 0 {
		initial = defaultBatchSize
	}
	return &BatchSizeOptimizer{current: clampBatchSize(initial)}
}

// EstimateBatchSize returns the row count to request for the next
// ReadBatch call.
func (o *BatchSizeOptimizer) EstimateBatchSize() int { return o.current }

// RecordBatchTime adjusts the batch size given how long the last batch
// of rowCount rows took to process: batches running much faster than
// target (under half of it) double, batches running much slower (over
// twice it) halve, to converge quickly without oscillating.
func (o *BatchSizeOptimizer) RecordBatchTime(elapsed time.Duration, rowCount int) {
	if rowCount == 0 {
		return
	}
	seconds := elapsed.Seconds()
	switch {
	case seconds < targetBatchSeconds/2:
		o.current = clampBatchSize(o.current * 2)
	case seconds > targetBatchSeconds*2:
		o.current = clampBatchSize(o.current / 2)
	}
}

func clampBatchSize(n int) int {
	if n < minBatchSize {
		return minBatchSize
	}
	if n > maxBatchSize {
		return maxBatchSize
	}
	return n
}

// MemoryTracker samples heap usage via runtime.MemStats. It reports
// allocated-heap bytes rather than process RSS: no example repo reads
// RSS via an OS-specific syscall or /proc, and runtime.MemStats.Alloc is
// the closest stdlib-only proxy for memory pressure during an import.
type MemoryTracker struct {
	initialMB float64
	peakMB    float64
}

// NewMemoryTracker samples the current heap as the baseline.
func NewMemoryTracker() *MemoryTracker {
	mb := readHeapMB()
	return &MemoryTracker{initialMB: mb, peakMB: mb}
}

// Sample records a new heap reading, updating the peak if it's higher.
func (m *MemoryTracker) Sample() {
	mb := readHeapMB()
	if mb > m.peakMB {
		m.peakMB = mb
	}
}

func (m *MemoryTracker) InitialMB() float64 { return m.initialMB }
func (m *MemoryTracker) PeakMB() float64    { return m.peakMB }

func readHeapMB() float64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return float64(stats.Alloc) / (1024 * 1024)
}
