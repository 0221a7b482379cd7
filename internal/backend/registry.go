package backend

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/wavecage/wavecage/sandbox"
)

// Probe reports whether the host provides the primitive a level needs.
// A nil return means available; a non-nil return is the human-readable
// reason used in the UnsupportedLevel error. Probes must not mutate any
// global state.
type Probe func() error

// Factory constructs a backend after its probe has passed.
type Factory func(cfg sandbox.Config, logger *slog.Logger) (Backend, error)

// Definition registers one isolation level with the registry.
type Definition struct {
	Level   sandbox.IsolationLevel
	Probe   Probe
	Factory Factory
}

// Registry maps isolation levels to backend definitions and caches probe
// results. Probe results are read-only once populated and may be shared
// across sandboxes; everything else about a backend is per-construction.
type Registry struct {
	mu     sync.Mutex
	defs   map[sandbox.IsolationLevel]Definition
	probed map[sandbox.IsolationLevel]error
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs:   make(map[sandbox.IsolationLevel]Definition),
		probed: make(map[sandbox.IsolationLevel]error),
	}
}

// Register adds a level definition, replacing any previous one and
// discarding its cached probe result.
func (r *Registry) Register(d Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[d.Level] = d
	delete(r.probed, d.Level)
}

// Available reports whether the level can be constructed on this host.
// The first check runs the probe; the result is cached for the lifetime
// of the registry. Returns an UnsupportedLevel error on failure.
func (r *Registry) Available(level sandbox.IsolationLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availableLocked(level)
}

func (r *Registry) availableLocked(level sandbox.IsolationLevel) error {
	d, ok := r.defs[level]
	if !ok {
		return sandbox.Unsupported(level, "no backend registered")
	}

	reason, probed := r.probed[level]
	if !probed {
		reason = d.Probe()
		r.probed[level] = reason
	}
	if reason != nil {
		return sandbox.Unsupported(level, reason.Error())
	}
	return nil
}

// Construct probes the level and builds its backend. The probe runs
// before the factory, so an unsupported level fails without allocating
// any resources.
func (r *Registry) Construct(level sandbox.IsolationLevel, cfg sandbox.Config, logger *slog.Logger) (Backend, error) {
	r.mu.Lock()
	if err := r.availableLocked(level); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	factory := r.defs[level].Factory
	r.mu.Unlock()

	return factory(cfg, logger)
}

// Levels returns the registered levels in ascending order.
func (r *Registry) Levels() []sandbox.IsolationLevel {
	r.mu.Lock()
	defer r.mu.Unlock()

	levels := make([]sandbox.IsolationLevel, 0, len(r.defs))
	for l := range r.defs {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}
