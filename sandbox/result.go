package sandbox

import "time"

// Telemetry is the execution accounting attached to every call result.
type Telemetry struct {
	// Elapsed is the wall-clock duration of the call.
	Elapsed time.Duration `json:"elapsed"`

	// PeakMemoryBytes is the observed peak memory, when the mechanism
	// reports it. Zero means not measured.
	PeakMemoryBytes uint64 `json:"peak_memory_bytes,omitempty"`

	// FuelConsumed is the execution-step budget spent, for levels that
	// meter fuel. Nil means fuel metering was not active.
	FuelConsumed *uint64 `json:"fuel_consumed,omitempty"`
}

// CallResult is the payload of one successful invocation. Produced once
// per call; immutable.
type CallResult struct {
	// Output is the serialized return payload of the invoked function.
	Output []byte `json:"output"`

	// Telemetry accounts for the resources the call consumed.
	Telemetry Telemetry `json:"telemetry"`
}

// BenchmarkReport aggregates repeated invocations of one module function.
type BenchmarkReport struct {
	Module     string         `json:"module"`
	Function   string         `json:"function"`
	Level      IsolationLevel `json:"level"`
	Iterations int            `json:"iterations"`

	MeanLatency   time.Duration `json:"mean_latency"`
	MedianLatency time.Duration `json:"median_latency"`
	MinLatency    time.Duration `json:"min_latency"`
	MaxLatency    time.Duration `json:"max_latency"`
	P99Latency    time.Duration `json:"p99_latency"`

	// Variance is the sample variance of the latency in seconds squared.
	Variance float64 `json:"variance"`

	// OverheadRatio is sandboxed mean latency divided by the native
	// baseline mean. Zero when no baseline was measured.
	OverheadRatio float64 `json:"overhead_ratio,omitempty"`
}

// PolicyViolation records one denied operation attempt. It is surfaced on
// the returned error and recorded to the audit store, never silently
// dropped.
type PolicyViolation struct {
	// InstanceID identifies the offending instance, when known.
	InstanceID string `json:"instance_id,omitempty"`

	// Capability names the capability category: "filesystem", "network",
	// "env", or a WASI category.
	Capability string `json:"capability"`

	// Requested is the concrete resource the instance asked for.
	Requested string `json:"requested"`

	// Granted summarizes the capability state at denial time.
	Granted string `json:"granted"`

	// At is the denial time.
	At time.Time `json:"at"`
}
