package wavecage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wavecage/wavecage/internal/audit"
	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/sandbox"
)

// fakeBackend is a scriptable in-memory backend for facade tests.
type fakeBackend struct {
	mu        sync.Mutex
	level     sandbox.IsolationLevel
	callErr   error
	callDelay time.Duration
	calls     int
	released  []string
	shutdowns int
}

func (f *fakeBackend) Level() sandbox.IsolationLevel { return f.level }

func (f *fakeBackend) Load(_ context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	return sandbox.NewModule("mod-1", src.Name, f.level), nil
}

func (f *fakeBackend) Instantiate(_ context.Context, m sandbox.Module) (sandbox.Instance, error) {
	return sandbox.NewInstance("inst-1", m), nil
}

func (f *fakeBackend) Call(context.Context, sandbox.Instance, string, []byte) (sandbox.CallResult, error) {
	f.mu.Lock()
	f.calls++
	err := f.callErr
	f.mu.Unlock()
	if f.callDelay > 0 {
		time.Sleep(f.callDelay)
	}
	if err != nil {
		return sandbox.CallResult{}, err
	}
	return sandbox.CallResult{Output: []byte("out"), Telemetry: sandbox.Telemetry{Elapsed: time.Millisecond}}, nil
}

func (f *fakeBackend) Release(_ context.Context, inst sandbox.Instance) error {
	f.mu.Lock()
	f.released = append(f.released, inst.ID())
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ReleaseModule(context.Context, sandbox.Module) error { return nil }

func (f *fakeBackend) Shutdown(context.Context) error {
	f.mu.Lock()
	f.shutdowns++
	f.mu.Unlock()
	return nil
}

// memStore keeps audit records in memory.
type memStore struct {
	mu         sync.Mutex
	executions []audit.Execution
	violations []sandbox.PolicyViolation
	benchmarks []sandbox.BenchmarkReport
	closed     int
}

func (m *memStore) RecordExecution(_ context.Context, e audit.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions = append(m.executions, e)
	return nil
}

func (m *memStore) RecordViolation(_ context.Context, v sandbox.PolicyViolation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations = append(m.violations, v)
	return nil
}

func (m *memStore) RecordBenchmark(_ context.Context, r sandbox.BenchmarkReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.benchmarks = append(m.benchmarks, r)
	return nil
}

func (m *memStore) ListViolations(_ context.Context, instanceID string) ([]sandbox.PolicyViolation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []sandbox.PolicyViolation
	for _, v := range m.violations {
		if v.InstanceID == instanceID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func fakeRegistry(fb *fakeBackend, probeErr error) *backend.Registry {
	r := backend.NewRegistry()
	r.Register(backend.Definition{
		Level: fb.level,
		Probe: func() error { return probeErr },
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return fb, nil
		},
	})
	return r
}

func newTestSandbox(t *testing.T, fb *fakeBackend, store *memStore, cfg sandbox.Config) *Sandbox {
	t.Helper()
	s, err := New(fb.level, cfg,
		WithLogger(slog.New(slog.DiscardHandler)),
		WithAuditStore(store),
		withRegistry(fakeRegistry(fb, nil)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(sandbox.LevelContainer, sandbox.Config{FuelLimit: 10},
		WithLogger(slog.New(slog.DiscardHandler)))
	if !sandbox.IsKind(err, sandbox.KindConfig) {
		t.Fatalf("New = %v, want config error", err)
	}
}

func TestNewFailsFastOnUnsupportedLevel(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelFPGA}
	store := &memStore{}

	_, err := New(sandbox.LevelFPGA, sandbox.Config{},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithAuditStore(store),
		withRegistry(fakeRegistry(fb, errors.New("no fpga_manager devices"))),
	)
	if !sandbox.IsKind(err, sandbox.KindUnsupportedLevel) {
		t.Fatalf("New = %v, want unsupported_level", err)
	}
	if store.closed != 1 {
		t.Errorf("store closed %d times on failed construction, want 1", store.closed)
	}
}

func TestLoadRequiresName(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	s := newTestSandbox(t, fb, &memStore{}, sandbox.Config{})

	_, err := s.Load(context.Background(), sandbox.ModuleSource{})
	if !sandbox.IsKind(err, sandbox.KindConfig) {
		t.Fatalf("Load without name = %v, want config error", err)
	}
}

func TestHandleLevelMismatch(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	s := newTestSandbox(t, fb, &memStore{}, sandbox.Config{})
	ctx := context.Background()

	foreignMod := sandbox.NewModule("m", "other", sandbox.LevelContainer)
	foreignInst := sandbox.NewInstance("i", foreignMod)

	if _, err := s.Instantiate(ctx, foreignMod); !sandbox.IsKind(err, sandbox.KindPolicyViolation) {
		t.Errorf("Instantiate(foreign) = %v, want policy violation", err)
	}
	if _, err := s.Call(ctx, foreignInst, "fn", nil); !sandbox.IsKind(err, sandbox.KindPolicyViolation) {
		t.Errorf("Call(foreign) = %v, want policy violation", err)
	}
	if err := s.Release(ctx, foreignInst); !sandbox.IsKind(err, sandbox.KindPolicyViolation) {
		t.Errorf("Release(foreign) = %v, want policy violation", err)
	}
	if err := s.ReleaseModule(ctx, foreignMod); !sandbox.IsKind(err, sandbox.KindPolicyViolation) {
		t.Errorf("ReleaseModule(foreign) = %v, want policy violation", err)
	}
	if _, err := s.Benchmark(ctx, foreignMod, "fn", nil, 3); !sandbox.IsKind(err, sandbox.KindPolicyViolation) {
		t.Errorf("Benchmark(foreign) = %v, want policy violation", err)
	}
	if fb.calls != 0 {
		t.Errorf("backend saw %d calls through foreign handles, want 0", fb.calls)
	}
}

func TestCallRecordsExecution(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	store := &memStore{}
	s := newTestSandbox(t, fb, store, sandbox.Config{})
	ctx := context.Background()

	m, err := s.Load(ctx, sandbox.ModuleSource{Name: "qpsk"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	inst, err := s.Instantiate(ctx, m)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	res, err := s.Call(ctx, inst, "modulate", []byte{0x01})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(res.Output) != "out" {
		t.Errorf("Output = %q, want out", res.Output)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.executions) != 1 {
		t.Fatalf("recorded %d executions, want 1", len(store.executions))
	}
	e := store.executions[0]
	if e.Status != audit.StatusOK {
		t.Errorf("Status = %q, want ok", e.Status)
	}
	if e.Module != "qpsk" || e.Function != "modulate" {
		t.Errorf("record = %+v, want module qpsk function modulate", e)
	}
	if e.Level != sandbox.LevelWasm {
		t.Errorf("Level = %v, want LevelWasm", e.Level)
	}
}

func TestExecutionStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		callErr    error
		wantStatus string
		wantKind   string
	}{
		{"plain error", errors.New("boom"), audit.StatusError, ""},
		{"mechanism error", sandbox.Errorf(sandbox.KindWasm, "trap"), audit.StatusError, "wasm_error"},
		{"denial", sandbox.Errorf(sandbox.KindPermissionDenied, "no"), audit.StatusDenied, "permission_denied"},
		{"handle breach", sandbox.Errorf(sandbox.KindPolicyViolation, "no"), audit.StatusDenied, "policy_violation"},
		{"budget", sandbox.Errorf(sandbox.KindResourceExhausted, "over"), audit.StatusExhausted, "resource_exhausted"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{level: sandbox.LevelWasm, callErr: tt.callErr}
			store := &memStore{}
			s := newTestSandbox(t, fb, store, sandbox.Config{})
			ctx := context.Background()

			m, _ := s.Load(ctx, sandbox.ModuleSource{Name: "m"})
			inst, _ := s.Instantiate(ctx, m)
			if _, err := s.Call(ctx, inst, "fn", nil); err == nil {
				t.Fatal("Call should propagate the backend error")
			}

			store.mu.Lock()
			defer store.mu.Unlock()
			if len(store.executions) != 1 {
				t.Fatalf("recorded %d executions, want 1", len(store.executions))
			}
			e := store.executions[0]
			if e.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", e.Status, tt.wantStatus)
			}
			if e.ErrorKind != tt.wantKind {
				t.Errorf("ErrorKind = %q, want %q", e.ErrorKind, tt.wantKind)
			}
		})
	}
}

func TestBenchmarkPersistsReport(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	store := &memStore{}
	s := newTestSandbox(t, fb, store, sandbox.Config{})
	ctx := context.Background()

	m, _ := s.Load(ctx, sandbox.ModuleSource{Name: "qpsk"})

	rep, err := s.Benchmark(ctx, m, "modulate", nil, 20)
	if err != nil {
		t.Fatalf("Benchmark: %v", err)
	}
	if rep.Iterations != 20 {
		t.Errorf("Iterations = %d, want 20", rep.Iterations)
	}
	if fb.calls != 20 {
		t.Errorf("backend saw %d calls, want 20", fb.calls)
	}
	if len(fb.released) != 1 {
		t.Errorf("benchmark released %d instances, want its own one", len(fb.released))
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.benchmarks) != 1 {
		t.Fatalf("recorded %d benchmark reports, want 1", len(store.benchmarks))
	}
	if store.benchmarks[0].Module != "qpsk" {
		t.Errorf("report module = %q, want qpsk", store.benchmarks[0].Module)
	}
}

func TestBenchmarkAgainstReportsOverhead(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm, callDelay: 2 * time.Millisecond}
	s := newTestSandbox(t, fb, &memStore{}, sandbox.Config{})
	ctx := context.Background()

	m, _ := s.Load(ctx, sandbox.ModuleSource{Name: "qpsk"})

	rep, err := s.BenchmarkAgainst(ctx, m, "modulate", nil, 5, func() error { return nil })
	if err != nil {
		t.Fatalf("BenchmarkAgainst: %v", err)
	}
	if rep.OverheadRatio <= 1 {
		t.Errorf("OverheadRatio = %v, want > 1", rep.OverheadRatio)
	}
}

func TestViolationsReadBack(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	store := &memStore{}
	s := newTestSandbox(t, fb, store, sandbox.Config{})
	ctx := context.Background()

	v := sandbox.PolicyViolation{InstanceID: "inst-1", Capability: "filesystem", Requested: "read /etc"}
	s.recordViolation(v)

	got, err := s.Violations(ctx, "inst-1")
	if err != nil {
		t.Fatalf("Violations: %v", err)
	}
	if len(got) != 1 || got[0].Requested != "read /etc" {
		t.Errorf("Violations = %+v, want the recorded denial", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	store := &memStore{}
	s := newTestSandbox(t, fb, store, sandbox.Config{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if fb.shutdowns != 1 {
		t.Errorf("backend shut down %d times, want 1", fb.shutdowns)
	}
	if store.closed != 1 {
		t.Errorf("store closed %d times, want 1", store.closed)
	}

	if _, err := s.Load(context.Background(), sandbox.ModuleSource{Name: "m"}); !sandbox.IsKind(err, sandbox.KindConfig) {
		t.Errorf("Load after Close = %v, want config error", err)
	}
}

func TestIdleReaper(t *testing.T) {
	fb := &fakeBackend{level: sandbox.LevelWasm}
	s := newTestSandbox(t, fb, &memStore{}, sandbox.Config{IdleTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	m, _ := s.Load(ctx, sandbox.ModuleSource{Name: "qpsk"})
	if _, err := s.Instantiate(ctx, m); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	// Force the reap directly rather than waiting out the ticker.
	time.Sleep(60 * time.Millisecond)
	s.reapOnce()

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.released) != 1 || fb.released[0] != "inst-1" {
		t.Errorf("released = %v, want [inst-1]", fb.released)
	}
}
