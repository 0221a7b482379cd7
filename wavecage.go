package wavecage

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/wavecage/wavecage/internal/audit"
	"github.com/wavecage/wavecage/internal/backend"
	"github.com/wavecage/wavecage/internal/backend/container"
	"github.com/wavecage/wavecage/internal/backend/fpga"
	"github.com/wavecage/wavecage/internal/backend/hwpart"
	"github.com/wavecage/wavecage/internal/backend/microvm"
	"github.com/wavecage/wavecage/internal/backend/nsproc"
	"github.com/wavecage/wavecage/internal/backend/wasm"
	"github.com/wavecage/wavecage/internal/bench"
	"github.com/wavecage/wavecage/internal/config"
	"github.com/wavecage/wavecage/internal/policy"
	"github.com/wavecage/wavecage/sandbox"
)

// Sandbox executes untrusted modules under one isolation level. All
// methods are safe for concurrent use; calls on a single instance are
// serialized by the backend.
type Sandbox struct {
	level   sandbox.IsolationLevel
	cfg     sandbox.Config
	backend backend.Backend
	logger  *slog.Logger
	store   audit.Store

	mu        sync.Mutex
	closed    bool
	instances map[string]*tracked

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// tracked carries the facade's bookkeeping for one live instance.
type tracked struct {
	inst     sandbox.Instance
	lastUsed time.Time
}

type options struct {
	logger   *slog.Logger
	store    audit.Store
	registry *backend.Registry
}

// Option customizes sandbox construction.
type Option func(*options)

// WithLogger sets the structured logger. The default logs JSON to stderr
// at the level from WAVECAGE_LOG_LEVEL.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAuditStore sets the audit store. The default uses SQLite when
// WAVECAGE_AUDIT_DB is set and discards records otherwise. The sandbox
// takes ownership and closes the store on Close.
func WithAuditStore(s audit.Store) Option {
	return func(o *options) { o.store = s }
}

// withRegistry overrides the backend registry; used by tests.
func withRegistry(r *backend.Registry) Option {
	return func(o *options) { o.registry = r }
}

// New constructs a sandbox for the given isolation level. The level is
// probed eagerly: a host missing the required primitive fails here with
// an UnsupportedLevel error, before any untrusted code is touched. The
// capability set in cfg is sealed from this point on.
func New(level sandbox.IsolationLevel, cfg sandbox.Config, opts ...Option) (*Sandbox, error) {
	if err := cfg.Validate(level); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	host := config.Load()
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = config.NewLogger(os.Stderr, host.LogLevel)
	}
	if o.store == nil {
		if host.AuditDBPath != "" {
			st, err := audit.NewSQLiteStore(host.AuditDBPath)
			if err != nil {
				return nil, sandbox.WrapErr(sandbox.KindIo, err, "open audit store %s", host.AuditDBPath)
			}
			o.store = st
		} else {
			o.store = audit.Nop{}
		}
	}

	s := &Sandbox{
		level:     level,
		cfg:       cfg,
		logger:    o.logger.With("level", level.String()),
		store:     o.store,
		instances: make(map[string]*tracked),
	}

	registry := o.registry
	if registry == nil {
		registry = newRegistry(host, s.recordViolation)
	}

	be, err := registry.Construct(level, cfg, s.logger)
	if err != nil {
		_ = o.store.Close()
		return nil, err
	}
	s.backend = be

	if cfg.IdleTimeout > 0 {
		s.reaperStop = make(chan struct{})
		s.reaperDone = make(chan struct{})
		go s.reapIdle()
	}

	s.logger.Debug("sandbox constructed")
	return s, nil
}

// newRegistry wires every isolation level with its probe and factory.
func newRegistry(host config.Host, record policy.Recorder) *backend.Registry {
	vmCfg := microvm.LoadConfig()
	if host.FirecrackerBin != "" {
		vmCfg.FirecrackerBin = host.FirecrackerBin
	}
	if host.CNIConfigDir != "" {
		vmCfg.CNIConfigDir = host.CNIConfigDir
	}
	if host.CNIBinDir != "" {
		vmCfg.CNIBinDir = host.CNIBinDir
	}

	r := backend.NewRegistry()
	r.Register(backend.Definition{
		Level: sandbox.LevelNamespace,
		Probe: nsproc.Probe,
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return nsproc.New(cfg, logger, record, host.WorkerBin)
		},
	})
	r.Register(backend.Definition{
		Level: sandbox.LevelContainer,
		Probe: func() error { return container.Probe(host.ContainerRuntime) },
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return container.New(cfg, logger, record, host.ContainerRuntime)
		},
	})
	r.Register(backend.Definition{
		Level: sandbox.LevelVM,
		Probe: func() error { return microvm.Probe(vmCfg.FirecrackerBin) },
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return microvm.New(cfg, logger, record, vmCfg)
		},
	})
	r.Register(backend.Definition{
		Level: sandbox.LevelFPGA,
		Probe: fpga.Probe,
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return fpga.New(cfg, logger, record, host.FPGADevice)
		},
	})
	r.Register(backend.Definition{
		Level: sandbox.LevelHardware,
		Probe: hwpart.Probe,
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return hwpart.New(cfg, logger, record)
		},
	})
	r.Register(backend.Definition{
		Level: sandbox.LevelWasm,
		Probe: wasm.Probe,
		Factory: func(cfg sandbox.Config, logger *slog.Logger) (backend.Backend, error) {
			return wasm.New(cfg, logger, record)
		},
	})
	return r
}

// Available reports whether a level can be constructed on this host,
// without constructing anything.
func Available(level sandbox.IsolationLevel) error {
	return newRegistry(config.Load(), nil).Available(level)
}

// Level returns the sandbox's isolation level.
func (s *Sandbox) Level() sandbox.IsolationLevel { return s.level }

// Load validates and loads a module from its source. The module handle is
// owned by this sandbox's level.
func (s *Sandbox) Load(ctx context.Context, src sandbox.ModuleSource) (sandbox.Module, error) {
	if err := s.live(); err != nil {
		return sandbox.Module{}, err
	}
	if src.Name == "" {
		return sandbox.Module{}, sandbox.Errorf(sandbox.KindConfig, "module name is required")
	}
	m, err := s.backend.Load(ctx, src)
	if err != nil {
		s.logger.Warn("load failed", "module", src.Name, "error", err)
		return sandbox.Module{}, err
	}
	s.logger.Info("module loaded", "module", m.Name(), "id", m.ID())
	return m, nil
}

// Instantiate creates a live instance of a loaded module inside the
// enforced boundary.
func (s *Sandbox) Instantiate(ctx context.Context, m sandbox.Module) (sandbox.Instance, error) {
	if err := s.live(); err != nil {
		return sandbox.Instance{}, err
	}
	if err := s.checkHandle(m.Level()); err != nil {
		return sandbox.Instance{}, err
	}

	inst, err := s.backend.Instantiate(ctx, m)
	if err != nil {
		s.logger.Warn("instantiate failed", "module", m.Name(), "error", err)
		return sandbox.Instance{}, err
	}

	s.mu.Lock()
	s.instances[inst.ID()] = &tracked{inst: inst, lastUsed: time.Now()}
	s.mu.Unlock()

	s.logger.Info("instance created", "module", m.Name(), "instance", inst.ID())
	return inst, nil
}

// Call invokes a named export on an instance with serialized args,
// returning its output and telemetry. Budgets from the config bound the
// call; a violation of the sealed capability set fails with
// PermissionDenied and terminates the instance.
func (s *Sandbox) Call(ctx context.Context, inst sandbox.Instance, fn string, args []byte) (sandbox.CallResult, error) {
	if err := s.live(); err != nil {
		return sandbox.CallResult{}, err
	}
	if err := s.checkHandle(inst.Level()); err != nil {
		return sandbox.CallResult{}, err
	}
	s.touch(inst.ID())

	res, err := s.backend.Call(ctx, inst, fn, args)
	s.recordExecution(ctx, inst, fn, res, err)
	return res, err
}

// Benchmark instantiates the module once, calls fn iterations times on
// that instance, and aggregates latency statistics. The instance is
// released afterwards and the report is persisted to the audit store.
func (s *Sandbox) Benchmark(ctx context.Context, m sandbox.Module, fn string, args []byte, iterations int) (sandbox.BenchmarkReport, error) {
	return s.benchmark(ctx, m, fn, args, iterations, nil)
}

// BenchmarkAgainst additionally times a native baseline of the same
// computation and reports the overhead ratio (sandboxed mean / native
// mean).
func (s *Sandbox) BenchmarkAgainst(ctx context.Context, m sandbox.Module, fn string, args []byte, iterations int, baseline func() error) (sandbox.BenchmarkReport, error) {
	return s.benchmark(ctx, m, fn, args, iterations, baseline)
}

func (s *Sandbox) benchmark(ctx context.Context, m sandbox.Module, fn string, args []byte, iterations int, baseline bench.BaselineFunc) (sandbox.BenchmarkReport, error) {
	if err := s.live(); err != nil {
		return sandbox.BenchmarkReport{}, err
	}
	if err := s.checkHandle(m.Level()); err != nil {
		return sandbox.BenchmarkReport{}, err
	}

	// One instance serves every iteration, so the numbers reflect steady
	// state rather than repeated boots.
	inst, err := s.Instantiate(ctx, m)
	if err != nil {
		return sandbox.BenchmarkReport{}, err
	}
	defer func() {
		if err := s.Release(context.WithoutCancel(ctx), inst); err != nil {
			s.logger.Warn("release benchmark instance", "instance", inst.ID(), "error", err)
		}
	}()

	call := func(ctx context.Context) (sandbox.CallResult, error) {
		s.touch(inst.ID())
		return s.backend.Call(ctx, inst, fn, args)
	}
	rep, err := bench.Run(ctx, m.Name(), fn, s.level, iterations, call, baseline)
	if err != nil {
		return sandbox.BenchmarkReport{}, err
	}

	if storeErr := s.store.RecordBenchmark(ctx, rep); storeErr != nil {
		s.logger.Warn("record benchmark", "error", storeErr)
	}
	s.logger.Info("benchmark complete",
		"module", rep.Module,
		"function", fn,
		"iterations", rep.Iterations,
		"mean", rep.MeanLatency,
		"p99", rep.P99Latency,
	)
	return rep, nil
}

// Release tears down an instance and frees its resources. Releasing an
// unknown or already-released instance is a no-op.
func (s *Sandbox) Release(ctx context.Context, inst sandbox.Instance) error {
	if err := s.live(); err != nil {
		return err
	}
	if err := s.checkHandle(inst.Level()); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.instances, inst.ID())
	s.mu.Unlock()

	if err := s.backend.Release(ctx, inst); err != nil {
		return err
	}
	s.logger.Info("instance released", "instance", inst.ID())
	return nil
}

// ReleaseModule unloads a module. Instances created from it must be
// released first.
func (s *Sandbox) ReleaseModule(ctx context.Context, m sandbox.Module) error {
	if err := s.live(); err != nil {
		return err
	}
	if err := s.checkHandle(m.Level()); err != nil {
		return err
	}
	return s.backend.ReleaseModule(ctx, m)
}

// Violations returns the policy violations recorded for an instance,
// oldest first. Requires a persistent audit store.
func (s *Sandbox) Violations(ctx context.Context, instanceID string) ([]sandbox.PolicyViolation, error) {
	return s.store.ListViolations(ctx, instanceID)
}

// Close releases every live instance, shuts down the backend, and closes
// the audit store. Idempotent.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.instances = make(map[string]*tracked)
	s.mu.Unlock()

	if s.reaperStop != nil {
		close(s.reaperStop)
		<-s.reaperDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.backend.Shutdown(ctx)
	if storeErr := s.store.Close(); storeErr != nil && err == nil {
		err = sandbox.WrapErr(sandbox.KindIo, storeErr, "close audit store")
	}
	s.logger.Debug("sandbox closed")
	return err
}

// live reports whether the sandbox is still usable.
func (s *Sandbox) live() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sandbox.Errorf(sandbox.KindConfig, "sandbox is closed")
	}
	return nil
}

// checkHandle rejects handles owned by a different isolation level.
// Using a handle across levels is a policy-composition breach, not a
// capability denial.
func (s *Sandbox) checkHandle(level sandbox.IsolationLevel) error {
	if level != s.level {
		return &sandbox.Error{
			Kind:  sandbox.KindPolicyViolation,
			Level: s.level,
			Msg:   "handle belongs to level " + level.String(),
		}
	}
	return nil
}

// touch refreshes an instance's idle clock.
func (s *Sandbox) touch(id string) {
	s.mu.Lock()
	if t, ok := s.instances[id]; ok {
		t.lastUsed = time.Now()
	}
	s.mu.Unlock()
}

// recordViolation persists a denial and logs it. Persistence failures
// never affect the execution path.
func (s *Sandbox) recordViolation(v sandbox.PolicyViolation) {
	s.logger.Warn("policy violation",
		"instance", v.InstanceID,
		"capability", v.Capability,
		"requested", v.Requested,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.RecordViolation(ctx, v); err != nil {
		s.logger.Warn("record violation", "error", err)
	}
}

// recordExecution persists one call's audit record.
func (s *Sandbox) recordExecution(ctx context.Context, inst sandbox.Instance, fn string, res sandbox.CallResult, callErr error) {
	e := audit.Execution{
		ID:        inst.ID(),
		Module:    inst.Module().Name(),
		Level:     s.level,
		Function:  fn,
		Status:    statusOf(callErr),
		ElapsedUS: res.Telemetry.Elapsed.Microseconds(),
		Fuel:      res.Telemetry.FuelConsumed,
		CreatedAt: time.Now().UTC(),
	}
	if callErr != nil {
		if kind := sandbox.KindOf(callErr); kind != 0 {
			e.ErrorKind = kind.String()
		}
	}
	if err := s.store.RecordExecution(ctx, e); err != nil {
		s.logger.Warn("record execution", "error", err)
	}
}

// statusOf maps a call error to its audit status.
func statusOf(err error) string {
	switch sandbox.KindOf(err) {
	case 0:
		if err != nil {
			return audit.StatusError
		}
		return audit.StatusOK
	case sandbox.KindPermissionDenied, sandbox.KindPolicyViolation:
		return audit.StatusDenied
	case sandbox.KindResourceExhausted:
		return audit.StatusExhausted
	default:
		return audit.StatusError
	}
}

// reapIdle releases instances that have not been called within the idle
// timeout.
func (s *Sandbox) reapIdle() {
	defer close(s.reaperDone)

	interval := s.cfg.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.reaperStop:
			return
		case <-ticker.C:
			s.reapOnce()
		}
	}
}

func (s *Sandbox) reapOnce() {
	cutoff := time.Now().Add(-s.cfg.IdleTimeout)

	s.mu.Lock()
	var idle []sandbox.Instance
	for id, t := range s.instances {
		if t.lastUsed.Before(cutoff) {
			idle = append(idle, t.inst)
			delete(s.instances, id)
		}
	}
	s.mu.Unlock()

	for _, inst := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.backend.Release(ctx, inst); err != nil {
			s.logger.Warn("reap idle instance", "instance", inst.ID(), "error", err)
		} else {
			s.logger.Info("idle instance reaped", "instance", inst.ID())
		}
		cancel()
	}
}
