package shadercache

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/shadercache/disk"
)

// LoadPhase identifies a warmup phase reported through ProgressFunc.
type LoadPhase int

const (
	// LoadPhaseScan is the single-threaded pass over persisted records
	// that materializes binary-backed entries without compiling.
	LoadPhaseScan LoadPhase = iota

	// LoadPhaseBuild is the multithreaded recompilation of records that
	// had no usable binary.
	LoadPhaseBuild
)

func (p LoadPhase) String() string {
	switch p {
	case LoadPhaseScan:
		return "scan"
	case LoadPhaseBuild:
		return "build"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ProgressFunc receives warmup progress, once per record. Within one phase
// done never decreases; scan completes before build starts, and no other
// cross-phase ordering is guaranteed.
type ProgressFunc func(phase LoadPhase, done, total int)

// WarmUp rehydrates the caches from the persisted store before the first
// real draw.
//
// Records whose binary is still valid for this host are materialized
// directly; the rest are recompiled from their raw state across max(1,
// Workers) goroutines, each owning one shared graphics context for its
// whole partition. Cancel ctx to stop early: already-bound entries stay
// usable and the rest compile lazily on first use.
//
// No failure is surfaced. A rejected binary discards the precompiled side
// and rebuilds from raw; a corrupt raw record discards the whole store;
// the worst case is a slower first frame.
func (m *Manager) WarmUp(ctx context.Context, progress ProgressFunc) {
	if m.store == nil {
		return
	}
	raws := m.store.LoadTransferable()
	if len(raws) == 0 {
		return
	}
	decompiled, dumps := m.store.LoadPrecompiled()
	if ctx.Err() != nil {
		return
	}

	supported := make(map[BinaryFormat]struct{})
	for _, f := range m.driver.SupportedBinaryFormats() {
		supported[f] = struct{}{}
	}

	if !m.separable {
		m.warmUpMonolithic(ctx, progress, raws, decompiled, dumps, supported)
		return
	}

	worklist, ok := m.scanSeparable(ctx, progress, raws, decompiled, dumps, supported)
	if !ok {
		return
	}
	m.buildSeparable(ctx, progress, raws, worklist)
}

// scanSeparable is the fast path: one pass over the raw records, binding
// every entry whose persisted binary the host still accepts. It returns
// the indices left to recompile, or ok=false when warmup must stop
// (cancellation or store corruption).
func (m *Manager) scanSeparable(ctx context.Context, progress ProgressFunc,
	raws []disk.RawRecord,
	decompiled map[uint64]disk.DecompiledRecord, dumps map[uint64]disk.DumpRecord,
	supported map[BinaryFormat]struct{},
) (worklist []int, ok bool) {

	total := len(raws)
	if progress != nil {
		progress(LoadPhaseScan, 0, total)
	}

	failed := false
	for i := range raws {
		if ctx.Err() != nil {
			return nil, false
		}
		raw := &raws[i]
		if !m.verifyRaw(raw) {
			return nil, false
		}

		dump, hasDump := dumps[raw.UID]
		decomp, hasDecomp := decompiled[raw.UID]
		switch {
		case !hasDump || !hasDecomp:
			worklist = append(worklist, i)
		case raw.Kind == disk.StageVertex && decomp.AccurateMul != m.accurateMul:
			// Precision mode changed since the dump was made; the
			// persisted code no longer matches what we would generate.
			// Drop the stale entries so the rebuild persists fresh ones.
			m.store.DropEntry(raw.UID)
			worklist = append(worklist, i)
		case !formatSupported(supported, dump.Format):
			logger().Info("precompiled entry in unsupported binary format, recompiling",
				"uid", fmt.Sprintf("%016x", raw.UID))
			worklist = append(worklist, i)
		default:
			p, err := m.driver.LoadProgramBinary(dump.Format, dump.Binary, true)
			if err != nil {
				logger().Info("precompiled cache rejected by the driver, rebuilding",
					"uid", fmt.Sprintf("%016x", raw.UID), "err", err)
				failed = true
			} else {
				m.injectStage(raw, decomp.Source, p)
			}
		}
		if failed {
			break
		}
		if progress != nil {
			progress(LoadPhaseScan, i+1, total)
		}
	}

	if failed {
		// One rejected binary poisons trust in the rest: drop the whole
		// precompiled side and rebuild every record from raw. Entries
		// already bound stay live; the dedup caches absorb the rebuilds.
		m.store.InvalidatePrecompiled()
		worklist = worklist[:0]
		for i := range raws {
			worklist = append(worklist, i)
		}
	}
	return worklist, true
}

// warmUpMonolithic materializes persisted whole-program binaries. Linking
// of anything else is deferred to first use, so there is no build phase.
func (m *Manager) warmUpMonolithic(ctx context.Context, progress ProgressFunc,
	raws []disk.RawRecord,
	decompiled map[uint64]disk.DecompiledRecord, dumps map[uint64]disk.DumpRecord,
	supported map[BinaryFormat]struct{},
) {
	for i := range raws {
		if ctx.Err() != nil {
			return
		}
		if !m.verifyRaw(&raws[i]) {
			return
		}
	}

	total := len(dumps)
	if progress != nil {
		progress(LoadPhaseScan, 0, total)
	}
	done := 0
	for uid, dump := range dumps {
		if ctx.Err() != nil {
			return
		}
		decomp, ok := decompiled[uid]
		switch {
		case !ok || decomp.AccurateMul != m.accurateMul:
			// Stale precision mode; the program relinks on demand.
		case !formatSupported(supported, dump.Format):
			logger().Info("precompiled program in unsupported binary format, skipping",
				"uid", fmt.Sprintf("%016x", uid))
		default:
			p, err := m.driver.LoadProgramBinary(dump.Format, dump.Binary, false)
			if err != nil {
				logger().Info("precompiled program rejected by the driver, removing cache", "err", err)
				for _, h := range m.programs {
					m.driver.DeleteProgram(h)
				}
				m.programs = make(map[uint64]ProgramHandle)
				m.store.InvalidatePrecompiled()
				return
			}
			bindUniformBlocks(m.driver, p)
			bindSamplers(m.driver, p)
			m.programs[uid] = p
		}
		done++
		if progress != nil {
			progress(LoadPhaseScan, done, total)
		}
	}
}

// buildSeparable is the slow path: recompile the worklist from raw state
// across worker goroutines, each owning one shared context.
func (m *Manager) buildSeparable(ctx context.Context, progress ProgressFunc,
	raws []disk.RawRecord, worklist []int,
) {
	if len(worklist) > 0 {
		total := len(worklist)
		if progress != nil {
			progress(LoadPhaseBuild, 0, total)
		}

		// The lock guards cache and store mutations only; compiles run
		// outside it.
		var (
			mu    sync.Mutex
			built int
		)
		buildRange := func(ctx context.Context, indices []int, gctx GraphicsContext) error {
			if gctx != nil {
				if err := gctx.MakeCurrent(); err != nil {
					return fmt.Errorf("shadercache: make warmup context current: %w", err)
				}
				defer gctx.DoneCurrent()
			}
			for _, idx := range indices {
				if ctx.Err() != nil {
					return nil
				}
				if err := m.rebuildRecord(&raws[idx], &mu, func() {
					built++
					if progress != nil {
						progress(LoadPhaseBuild, built, total)
					}
				}); err != nil {
					return err
				}
			}
			return nil
		}

		var buildErr error
		if m.contexts == nil || m.contexts.StrictContextRequired() {
			buildErr = buildRange(ctx, worklist, nil)
		} else {
			buildErr = m.buildParallel(ctx, worklist, buildRange)
		}
		if buildErr != nil && ctx.Err() == nil {
			logger().Warn("shader warmup compilation failed, removing store", "err", buildErr)
			m.store.InvalidateAll()
			return
		}
	}

	if err := m.store.SaveVirtualPrecompiledFile(); err != nil {
		logger().Warn("cannot rewrite precompiled cache", "err", err)
	}
}

// buildParallel partitions the worklist evenly across workers. Shared
// contexts must come from the goroutine owning the main context, so all of
// them are created here before any worker starts; each context is then
// owned exclusively by one worker for its whole partition.
func (m *Manager) buildParallel(ctx context.Context, worklist []int,
	buildRange func(context.Context, []int, GraphicsContext) error,
) error {
	workers := m.workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(worklist) {
		workers = len(worklist)
	}

	m.contexts.SaveContext()
	defer m.contexts.RestoreContext()

	contexts := make([]GraphicsContext, 0, workers)
	for n := 0; n < workers; n++ {
		c, err := m.contexts.CreateSharedContext()
		if err != nil {
			logger().Warn("cannot create shared context, reducing warmup parallelism", "err", err)
			break
		}
		contexts = append(contexts, c)
	}
	if len(contexts) == 0 {
		// Nothing to compile on; the records compile lazily later.
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, indices := range partition(worklist, len(contexts)) {
		indices := indices
		c := contexts[i]
		g.Go(func() error { return buildRange(gctx, indices, c) })
	}
	return g.Wait()
}

// rebuildRecord regenerates and compiles one raw record, then binds it and
// persists the result under the shared lock. The first compile failure
// aborts the whole build phase through the returned error; nothing of the
// failing record is bound.
func (m *Manager) rebuildRecord(raw *disk.RawRecord, mu *sync.Mutex, done func()) error {
	switch raw.Kind {
	case disk.StageVertex:
		regs, setup := rawState(raw)
		src, ok := m.gen.VertexSource(regs, setup)
		key := m.gen.VertexKey(regs, setup)
		if !ok {
			mu.Lock()
			m.vertex.InjectAbsent(key)
			done()
			mu.Unlock()
			return nil
		}
		a := m.newStage(StageVertex)
		if err := a.Create(src); err != nil {
			return fmt.Errorf("shadercache: rebuild vertex shader %016x: %w", raw.UID, err)
		}
		mu.Lock()
		defer mu.Unlock()
		bound, stored := m.vertex.Inject(key, src, a)
		if !stored {
			a.Release()
		}
		m.saveDecompiled(raw.UID, src, m.accurateMul)
		m.saveDump(raw.UID, ProgramHandle(bound.Handle()))
		done()
		return nil

	case disk.StageFragment:
		regs, _ := rawState(raw)
		src := m.gen.FragmentSource(regs)
		a := m.newStage(StageFragment)
		if err := a.Create(src); err != nil {
			return fmt.Errorf("shadercache: rebuild fragment shader %016x: %w", raw.UID, err)
		}
		key := m.gen.FragmentKey(regs)
		mu.Lock()
		defer mu.Unlock()
		bound, stored := m.fragment.Inject(key, a)
		if !stored {
			a.Release()
		}
		m.saveDecompiled(raw.UID, src, false)
		m.saveDump(raw.UID, ProgramHandle(bound.Handle()))
		done()
		return nil

	default:
		// Unreachable: kinds were verified during the scan.
		return fmt.Errorf("%w: stage kind %s", ErrCacheCorrupt, raw.Kind)
	}
}

// verifyRaw checks a raw record against its own content. Any failure
// removes the whole store: correspondence across files is identifier
// based, so one corrupt record casts doubt on everything.
func (m *Manager) verifyRaw(raw *disk.RawRecord) bool {
	if !raw.Verify() {
		logger().Error("shader cache entry fails content check, removing store",
			"uid", fmt.Sprintf("%016x", raw.UID),
			"computed", fmt.Sprintf("%016x", raw.ComputeUID()))
		m.store.InvalidateAll()
		return false
	}
	if !raw.Kind.Persistable() {
		logger().Error("shader cache entry has unrecognized stage kind, removing store",
			"kind", raw.Kind.String())
		m.store.InvalidateAll()
		return false
	}
	return true
}

// injectStage binds a program materialized from a persisted binary into
// the live caches. When an identical source is already bound the redundant
// program is released.
func (m *Manager) injectStage(raw *disk.RawRecord, source string, p ProgramHandle) {
	art := &separableProgram{d: m.driver, stage: raw.Kind}
	art.Inject(p)
	switch raw.Kind {
	case disk.StageVertex:
		regs, setup := rawState(raw)
		key := m.gen.VertexKey(regs, setup)
		if _, stored := m.vertex.Inject(key, source, art); !stored {
			art.Release()
		}
	case disk.StageFragment:
		regs, _ := rawState(raw)
		key := m.gen.FragmentKey(regs)
		if _, stored := m.fragment.Inject(key, art); !stored {
			art.Release()
		}
	}
}

// rawState rebuilds the captured draw state from a persisted record.
func rawState(raw *disk.RawRecord) (*Regs, *Setup) {
	regs := new(Regs)
	copy(regs.Raw[:], raw.Regs)
	return regs, &Setup{Code: raw.Code, Swizzle: raw.Swizzle}
}

func formatSupported(supported map[BinaryFormat]struct{}, f BinaryFormat) bool {
	_, ok := supported[f]
	return ok
}

// partition splits items into count contiguous, near-even buckets. count
// must not exceed len(items).
func partition(items []int, count int) [][]int {
	size := len(items) / count
	out := make([][]int, 0, count)
	for i := 0; i < count; i++ {
		start := i * size
		end := start + size
		if i == count-1 {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}
