// Package bench measures call latency for sandboxed execution and
// aggregates it into a BenchmarkReport, optionally against a native
// baseline to express the sandbox overhead as a ratio.
package bench

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wavecage/wavecage/sandbox"
)

// Aggregator accumulates latency samples. Multiple instances may report
// results in parallel, so all writers are serialized on one mutex.
type Aggregator struct {
	mu      sync.Mutex
	samples []time.Duration
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Record adds one latency sample.
func (a *Aggregator) Record(d time.Duration) {
	a.mu.Lock()
	a.samples = append(a.samples, d)
	a.mu.Unlock()
}

// Count returns the number of recorded samples.
func (a *Aggregator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.samples)
}

// Mean returns the mean latency, or 0 with no samples.
func (a *Aggregator) Mean() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return mean(a.samples)
}

// Percentile returns the p-th percentile latency (0–100).
func (a *Aggregator) Percentile(p int) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), a.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := p * len(sorted) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Report produces the aggregate statistics for the identified function.
func (a *Aggregator) Report(module, function string, level sandbox.IsolationLevel) sandbox.BenchmarkReport {
	a.mu.Lock()
	samples := append([]time.Duration(nil), a.samples...)
	a.mu.Unlock()

	rep := sandbox.BenchmarkReport{
		Module:     module,
		Function:   function,
		Level:      level,
		Iterations: len(samples),
	}
	if len(samples) == 0 {
		return rep
	}

	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rep.MinLatency = sorted[0]
	rep.MaxLatency = sorted[len(sorted)-1]
	rep.MedianLatency = sorted[len(sorted)/2]
	p99 := 99 * len(sorted) / 100
	if p99 >= len(sorted) {
		p99 = len(sorted) - 1
	}
	rep.P99Latency = sorted[p99]

	m := mean(samples)
	rep.MeanLatency = m
	rep.Variance = variance(samples, m)
	return rep
}

// CallFunc performs one sandboxed invocation.
type CallFunc func(ctx context.Context) (sandbox.CallResult, error)

// BaselineFunc performs one native (unsandboxed) invocation of the same
// computation, used to derive the overhead ratio.
type BaselineFunc func() error

// Run invokes call `iterations` times under identical instance state and
// reports aggregate latency. When baseline is non-nil it is timed over
// the same iteration count and the report carries the overhead ratio
// (sandboxed mean / native mean).
func Run(ctx context.Context, module, function string, level sandbox.IsolationLevel,
	iterations int, call CallFunc, baseline BaselineFunc) (sandbox.BenchmarkReport, error) {

	if iterations <= 0 {
		return sandbox.BenchmarkReport{}, sandbox.Errorf(sandbox.KindConfig, "iterations must be positive, got %d", iterations)
	}

	agg := NewAggregator()
	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return sandbox.BenchmarkReport{}, fmt.Errorf("benchmark interrupted after %d iterations: %w", i, err)
		}

		start := time.Now()
		if _, err := call(ctx); err != nil {
			return sandbox.BenchmarkReport{}, fmt.Errorf("iteration %d: %w", i, err)
		}
		agg.Record(time.Since(start))
	}

	rep := agg.Report(module, function, level)

	if baseline != nil {
		nativeMean, err := timeBaseline(iterations, baseline)
		if err != nil {
			return sandbox.BenchmarkReport{}, fmt.Errorf("native baseline: %w", err)
		}
		if nativeMean > 0 {
			rep.OverheadRatio = float64(rep.MeanLatency) / float64(nativeMean)
		}
	}

	return rep, nil
}

// timeBaseline measures the mean native latency over the same iteration
// count.
func timeBaseline(iterations int, baseline BaselineFunc) (time.Duration, error) {
	start := time.Now()
	for i := 0; i < iterations; i++ {
		if err := baseline(); err != nil {
			return 0, fmt.Errorf("iteration %d: %w", i, err)
		}
	}
	return time.Since(start) / time.Duration(iterations), nil
}

func mean(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

// variance returns the sample variance in seconds squared.
func variance(samples []time.Duration, m time.Duration) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		d := (s - m).Seconds()
		sum += d * d
	}
	return sum / float64(len(samples)-1)
}
