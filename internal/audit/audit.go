// Package audit persists execution records, policy violations, and
// benchmark reports. The store is advisory: failures to persist are
// logged by the caller and never fail the execution path.
package audit

import (
	"context"
	"time"

	"github.com/wavecage/wavecage/sandbox"
)

// Execution is one recorded sandboxed call.
type Execution struct {
	ID        string                 `json:"id"`
	Module    string                 `json:"module"`
	Level     sandbox.IsolationLevel `json:"level"`
	Function  string                 `json:"function"`
	Status    string                 `json:"status"`
	ErrorKind string                 `json:"error_kind,omitempty"`
	ElapsedUS int64                  `json:"elapsed_us"`
	Fuel      *uint64                `json:"fuel,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Execution status values.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusDenied    = "denied"
	StatusExhausted = "exhausted"
)

// Store defines the persistence operations for the sandbox audit trail.
type Store interface {
	RecordExecution(ctx context.Context, e Execution) error
	RecordViolation(ctx context.Context, v sandbox.PolicyViolation) error
	RecordBenchmark(ctx context.Context, r sandbox.BenchmarkReport) error
	ListViolations(ctx context.Context, instanceID string) ([]sandbox.PolicyViolation, error)
	Close() error
}

// Nop is a Store that discards everything; used when no audit database is
// configured.
type Nop struct{}

// Compile-time interface satisfaction check.
var _ Store = Nop{}

func (Nop) RecordExecution(context.Context, Execution) error                { return nil }
func (Nop) RecordViolation(context.Context, sandbox.PolicyViolation) error  { return nil }
func (Nop) RecordBenchmark(context.Context, sandbox.BenchmarkReport) error  { return nil }
func (Nop) ListViolations(context.Context, string) ([]sandbox.PolicyViolation, error) {
	return nil, nil
}
func (Nop) Close() error { return nil }
