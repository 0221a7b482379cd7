package bench_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wavecage/wavecage/internal/bench"
	"github.com/wavecage/wavecage/sandbox"
)

func TestAggregatorStats(t *testing.T) {
	agg := bench.NewAggregator()
	for _, d := range []time.Duration{
		4 * time.Millisecond,
		1 * time.Millisecond,
		3 * time.Millisecond,
		2 * time.Millisecond,
		5 * time.Millisecond,
	} {
		agg.Record(d)
	}

	if got := agg.Count(); got != 5 {
		t.Errorf("Count() = %d, want 5", got)
	}
	if got := agg.Mean(); got != 3*time.Millisecond {
		t.Errorf("Mean() = %v, want 3ms", got)
	}
	if got := agg.Percentile(0); got != 1*time.Millisecond {
		t.Errorf("Percentile(0) = %v, want 1ms", got)
	}
	if got := agg.Percentile(100); got != 5*time.Millisecond {
		t.Errorf("Percentile(100) = %v, want 5ms", got)
	}

	rep := agg.Report("qpsk", "modulate", sandbox.LevelWasm)
	if rep.Module != "qpsk" || rep.Function != "modulate" || rep.Level != sandbox.LevelWasm {
		t.Errorf("report identity = %+v", rep)
	}
	if rep.Iterations != 5 {
		t.Errorf("Iterations = %d, want 5", rep.Iterations)
	}
	if rep.MinLatency != 1*time.Millisecond || rep.MaxLatency != 5*time.Millisecond {
		t.Errorf("min/max = %v/%v, want 1ms/5ms", rep.MinLatency, rep.MaxLatency)
	}
	if rep.MedianLatency != 3*time.Millisecond {
		t.Errorf("MedianLatency = %v, want 3ms", rep.MedianLatency)
	}
	if rep.Variance <= 0 {
		t.Errorf("Variance = %v, want > 0", rep.Variance)
	}
}

func TestAggregatorEmptyReport(t *testing.T) {
	rep := bench.NewAggregator().Report("m", "f", sandbox.LevelNamespace)
	if rep.Iterations != 0 || rep.MeanLatency != 0 || rep.Variance != 0 {
		t.Errorf("empty report = %+v, want zero stats", rep)
	}
}

func TestAggregatorConcurrentRecord(t *testing.T) {
	agg := bench.NewAggregator()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				agg.Record(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if got := agg.Count(); got != 800 {
		t.Errorf("Count() = %d, want 800", got)
	}
}

func TestRun(t *testing.T) {
	calls := 0
	rep, err := bench.Run(context.Background(), "qpsk", "modulate", sandbox.LevelWasm, 10,
		func(ctx context.Context) (sandbox.CallResult, error) {
			calls++
			return sandbox.CallResult{}, nil
		}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 10 {
		t.Errorf("call ran %d times, want 10", calls)
	}
	if rep.Iterations != 10 {
		t.Errorf("Iterations = %d, want 10", rep.Iterations)
	}
	if rep.OverheadRatio != 0 {
		t.Errorf("OverheadRatio = %v without baseline, want 0", rep.OverheadRatio)
	}
}

func TestRunWithBaseline(t *testing.T) {
	rep, err := bench.Run(context.Background(), "qpsk", "modulate", sandbox.LevelWasm, 5,
		func(ctx context.Context) (sandbox.CallResult, error) {
			time.Sleep(2 * time.Millisecond)
			return sandbox.CallResult{}, nil
		},
		func() error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.OverheadRatio <= 1 {
		t.Errorf("OverheadRatio = %v, want > 1 for a slower sandboxed call", rep.OverheadRatio)
	}
}

func TestRunRejectsNonPositiveIterations(t *testing.T) {
	for _, n := range []int{0, -1} {
		_, err := bench.Run(context.Background(), "m", "f", sandbox.LevelWasm, n,
			func(ctx context.Context) (sandbox.CallResult, error) {
				return sandbox.CallResult{}, nil
			}, nil)
		if !sandbox.IsKind(err, sandbox.KindConfig) {
			t.Errorf("Run(iterations=%d) = %v, want config error", n, err)
		}
	}
}

func TestRunStopsOnCallError(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := bench.Run(context.Background(), "m", "f", sandbox.LevelWasm, 10,
		func(ctx context.Context) (sandbox.CallResult, error) {
			calls++
			if calls == 3 {
				return sandbox.CallResult{}, boom
			}
			return sandbox.CallResult{}, nil
		}, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want wrapped boom", err)
	}
	if calls != 3 {
		t.Errorf("call ran %d times, want 3", calls)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := bench.Run(ctx, "m", "f", sandbox.LevelWasm, 10,
		func(ctx context.Context) (sandbox.CallResult, error) {
			return sandbox.CallResult{}, nil
		}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}
