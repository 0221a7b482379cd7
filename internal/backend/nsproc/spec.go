package nsproc

// WorkerSpec is the setup contract sent to the worker helper as the first
// frame on its stdin. It carries everything the worker needs to finish
// isolation and exec the module: the environment is already filtered to
// the granted variables and the namespace set was chosen by the host at
// clone time.
type WorkerSpec struct {
	// ExecutablePath is the untrusted module binary to exec once setup
	// completes.
	ExecutablePath string `json:"executable_path"`

	// Args are passed to the module after the program name.
	Args []string `json:"args,omitempty"`

	// Env is the complete environment for the module. Ungranted host
	// variables were already dropped.
	Env []string `json:"env,omitempty"`

	// Hostname is set inside the new UTS namespace.
	Hostname string `json:"hostname,omitempty"`

	// MaxMemoryBytes caps the address space via RLIMIT_AS when non-zero.
	MaxMemoryBytes uint64 `json:"max_memory_bytes,omitempty"`

	// CPUTimeSeconds caps CPU time via RLIMIT_CPU when non-zero.
	CPUTimeSeconds uint64 `json:"cpu_time_seconds,omitempty"`
}
