// Package shadercache caches generated shader programs for an emulated
// GPU pipeline, deduplicates them by generated source, and persists them
// to disk so later runs skip most compilation work.
//
// # Overview
//
// Shader stages are selected per draw from a register snapshot (plus
// uploaded program code for the vertex stage). A Generator translates
// that state into host shader source; the Manager compiles each distinct
// source at most once and rebinds cached programs on repeats:
//
//	m, err := shadercache.New(shadercache.Config{
//		Driver:    driver,
//		Generator: gen,
//		CacheDir:  dir,
//		Separable: true,
//	})
//	if err != nil {
//		// ...
//	}
//	defer m.Close()
//
//	m.SelectVertexShader(regs, setup)
//	m.SelectGeometryShader(regs)
//	m.SelectFragmentShader(regs)
//	m.Apply()
//
// # Persistence and warmup
//
// With a cache directory configured, vertex and fragment selections are
// appended to a transferable file (portable across hosts) and their
// compiled binaries to a precompiled file (valid only for the driver that
// produced them). WarmUp replays both before the first draw, binding
// still-valid binaries directly and recompiling the rest across worker
// goroutines with per-worker shared graphics contexts:
//
//	m.WarmUp(ctx, func(phase shadercache.LoadPhase, done, total int) {
//		// drive a loading screen
//	})
//
// Outside WarmUp the Manager is not safe for concurrent use; all Select
// and Apply calls must come from the goroutine owning the main graphics
// context.
package shadercache
