// Package wavecage executes untrusted waveform modulate/demodulate
// modules behind a chosen isolation boundary. Six isolation levels share
// one execution contract: load a module, instantiate it, call exported
// functions under resource budgets, and release it. Capabilities are
// deny-by-default and sealed when the first instance is created; a level
// the host cannot provide is rejected when the sandbox is constructed,
// never later.
//
// Typical use:
//
//	sb, err := wavecage.New(sandbox.LevelWasm, sandbox.Config{
//		MaxMemoryBytes: 64 << 20,
//		FuelLimit:      1_000_000,
//	})
//	if err != nil {
//		// the host lacks the level, or the config is invalid
//	}
//	defer sb.Close()
//
//	mod, err := sb.Load(ctx, sandbox.ModuleSource{Name: "qpsk", WasmPath: "qpsk.wasm"})
//	inst, err := sb.Instantiate(ctx, mod)
//	res, err := sb.Call(ctx, inst, "modulate", samples)
package wavecage
