package wasm

import (
	"context"
	"sync/atomic"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// fuelMeter tracks one call's execution-step budget. Fuel is charged at
// guest function entry; a pure compute loop that never calls a function
// is bounded by the wall-clock deadline instead.
type fuelMeter struct {
	remaining atomic.Int64
	exhausted atomic.Bool
	limit     uint64

	// cancel aborts the in-flight call; the runtime closes the module at
	// the next safe point because close-on-context-done is enabled.
	cancel context.CancelFunc
}

func newFuelMeter(limit uint64, cancel context.CancelFunc) *fuelMeter {
	m := &fuelMeter{limit: limit, cancel: cancel}
	m.remaining.Store(int64(limit))
	return m
}

// charge consumes one fuel unit, cancelling the call when the budget is
// spent.
func (m *fuelMeter) charge() {
	if m.remaining.Add(-1) < 0 {
		if m.exhausted.CompareAndSwap(false, true) {
			m.cancel()
		}
	}
}

// consumed returns the fuel spent so far, capped at the limit.
func (m *fuelMeter) consumed() uint64 {
	rem := m.remaining.Load()
	if rem < 0 {
		rem = 0
	}
	return m.limit - uint64(rem)
}

// meterKey carries the active fuelMeter through the call context into the
// function listener.
type meterKey struct{}

func withMeter(ctx context.Context, m *fuelMeter) context.Context {
	return context.WithValue(ctx, meterKey{}, m)
}

func meterFrom(ctx context.Context) *fuelMeter {
	m, _ := ctx.Value(meterKey{}).(*fuelMeter)
	return m
}

// fuelListener charges the context's meter on every function entry. One
// stateless listener serves every compiled function; per-call state rides
// on the context.
type fuelListener struct{}

// Compile-time interface satisfaction checks.
var (
	_ experimental.FunctionListenerFactory = fuelListener{}
	_ experimental.FunctionListener        = fuelListener{}
)

// NewFunctionListener implements experimental.FunctionListenerFactory.
func (f fuelListener) NewFunctionListener(api.FunctionDefinition) experimental.FunctionListener {
	return f
}

// Before implements experimental.FunctionListener.
func (f fuelListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if m := meterFrom(ctx); m != nil {
		m.charge()
	}
}

// After implements experimental.FunctionListener.
func (f fuelListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

// Abort implements experimental.FunctionListener.
func (f fuelListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}
