package shadercache

import (
	"fmt"

	"github.com/gogpu/shadercache/cache"
	"github.com/gogpu/shadercache/disk"
)

// Config configures a Manager.
type Config struct {
	// Driver is the host graphics binding. Required.
	Driver Driver

	// Generator is the shader-source translation layer. Required.
	Generator Generator

	// Contexts supplies shared contexts for parallel warmup. When nil,
	// warmup recompiles on the calling goroutine.
	Contexts ContextProvider

	// CacheDir is the directory holding the persisted cache files. Empty
	// disables persistence; the in-memory caches still work and warmup is
	// a no-op.
	CacheDir string

	// Separable selects per-stage program objects attached to a pipeline
	// at bind time. When false, stages are fully linked into one program
	// per combination (monolithic mode).
	Separable bool

	// AccurateMul is the numeric-precision mode active for this process.
	// Persisted decompiled entries are trusted only when their flag
	// matches. Threaded explicitly so the manager never reads process-wide
	// state.
	AccurateMul bool

	// Workers caps warmup parallelism. Zero or negative uses the host
	// concurrency.
	Workers int
}

// shaderTuple tracks the currently selected per-stage artifacts and their
// content hashes. Handle zero means the stage is detached.
type shaderTuple struct {
	vsHash, gsHash, fsHash uint64
	vs, gs, fs             uint64
}

// configHash is the monolithic combined program key: the hash of the three
// stage content hashes. No two distinct triples may alias one slot.
func (t *shaderTuple) configHash() uint64 {
	return disk.CombineHashes(t.vsHash, t.gsHash, t.fsHash)
}

// Manager owns the per-stage shader caches, realizes the current selection
// into a bound host program, and rehydrates everything from disk at
// startup.
//
// Manager is not safe for concurrent use; outside WarmUp all access must
// come from the rendering goroutine.
type Manager struct {
	driver      Driver
	gen         Generator
	contexts    ContextProvider
	separable   bool
	accurateMul bool
	workers     int

	vertex   *cache.DedupCache[VertexKey, stageArtifact]
	geometry *cache.Cache[GeometryKey, stageArtifact]
	fragment *cache.Cache[FragmentKey, stageArtifact]
	trivial  stageArtifact

	current  shaderTuple
	programs map[uint64]ProgramHandle // monolithic linked programs
	pipeline PipelineHandle           // separable runtime pipeline

	store *disk.Store
}

// New creates a Manager. The trivial vertex shader is compiled eagerly
// since the fixed pipeline needs it on the first draw.
func New(cfg Config) (*Manager, error) {
	if cfg.Driver == nil {
		return nil, ErrNilDriver
	}
	if cfg.Generator == nil {
		return nil, ErrNilGenerator
	}

	m := &Manager{
		driver:      cfg.Driver,
		gen:         cfg.Generator,
		contexts:    cfg.Contexts,
		separable:   cfg.Separable,
		accurateMul: cfg.AccurateMul,
		workers:     cfg.Workers,
		vertex:      cache.NewDedup[VertexKey, stageArtifact](),
		geometry:    cache.New[GeometryKey, stageArtifact](),
		fragment:    cache.New[FragmentKey, stageArtifact](),
		programs:    make(map[uint64]ProgramHandle),
	}
	if cfg.CacheDir != "" {
		m.store = disk.NewStore(cfg.CacheDir, cfg.Separable)
	}

	if cfg.Separable {
		p, err := cfg.Driver.CreatePipeline()
		if err != nil {
			return nil, fmt.Errorf("shadercache: create pipeline: %w", err)
		}
		m.pipeline = p
	}

	m.trivial = m.newStage(StageVertex)
	if err := m.trivial.Create(cfg.Generator.TrivialVertexSource()); err != nil {
		if cfg.Separable {
			cfg.Driver.DeletePipeline(m.pipeline)
		}
		return nil, fmt.Errorf("shadercache: compile trivial vertex shader: %w", err)
	}
	return m, nil
}

// newStage constructs the stage-artifact variant for the configured mode.
func (m *Manager) newStage(stage Stage) stageArtifact {
	if m.separable {
		return &separableProgram{d: m.driver, stage: stage}
	}
	return &shaderObject{d: m.driver, stage: stage}
}

// compileStage returns the compile callback handed to the caches.
func (m *Manager) compileStage(stage Stage) cache.CompileFunc[stageArtifact] {
	return func(source string) (stageArtifact, error) {
		a := m.newStage(stage)
		if err := a.Create(source); err != nil {
			return nil, err
		}
		return a, nil
	}
}

// SelectVertexShader selects the programmable vertex shader for the given
// captured state, compiling it on first sight. It reports false when the
// generator declines the configuration (the caller falls back to CPU
// vertex processing) or when compilation fails.
func (m *Manager) SelectVertexShader(regs *Regs, setup *Setup) bool {
	key := m.gen.VertexKey(regs, setup)
	a, source, fresh, ok, err := m.vertex.Get(key,
		func() (string, bool) { return m.gen.VertexSource(regs, setup) },
		m.compileStage(StageVertex))
	if err != nil {
		logger().Warn("vertex shader compilation failed", "err", err)
		return false
	}
	if !ok {
		return false
	}
	m.current.vs = a.Handle()
	m.current.vsHash = key.Hash

	if fresh && m.store != nil {
		uid := disk.UniqueID(regs.Words(), setup.Code, setup.Swizzle)
		m.saveRaw(disk.RawRecord{
			UID:     uid,
			Kind:    disk.StageVertex,
			Regs:    snapshot(regs.Words()),
			Code:    snapshot(setup.Code),
			Swizzle: snapshot(setup.Swizzle),
		})
		m.saveDecompiled(uid, source, m.accurateMul)
	}
	return true
}

// SelectFixedPipeline selects the fixed transform path: the trivial vertex
// shader with no geometry stage.
func (m *Manager) SelectFixedPipeline() {
	m.current.vs = m.trivial.Handle()
	m.current.vsHash = 0
	m.current.gs = 0
	m.current.gsHash = 0
}

// SelectGeometryShader selects the fixed-geometry shader derived from the
// register state. Geometry programs regenerate cheaply and are never
// persisted.
func (m *Manager) SelectGeometryShader(regs *Regs) {
	key := m.gen.GeometryKey(regs)
	a, _, _, err := m.geometry.Get(key, func() (stageArtifact, string, error) {
		src := m.gen.GeometrySource(regs)
		a, err := m.compileStage(StageGeometry)(src)
		return a, src, err
	})
	if err != nil {
		logger().Warn("geometry shader compilation failed", "err", err)
		return
	}
	m.current.gs = a.Handle()
	m.current.gsHash = key.Hash
}

// SelectFragmentShader selects the fragment shader for the register state,
// compiling and persisting it on first sight.
func (m *Manager) SelectFragmentShader(regs *Regs) {
	key := m.gen.FragmentKey(regs)
	a, source, fresh, err := m.fragment.Get(key, func() (stageArtifact, string, error) {
		src := m.gen.FragmentSource(regs)
		a, err := m.compileStage(StageFragment)(src)
		return a, src, err
	})
	if err != nil {
		logger().Warn("fragment shader compilation failed", "err", err)
		return
	}
	m.current.fs = a.Handle()
	m.current.fsHash = key.Hash

	if fresh && m.store != nil {
		uid := disk.UniqueID(regs.Words(), nil, nil)
		m.saveRaw(disk.RawRecord{
			UID:  uid,
			Kind: disk.StageFragment,
			Regs: snapshot(regs.Words()),
		})
		// The precision mode only shapes vertex code.
		m.saveDecompiled(uid, source, false)
	}
}

// Apply realizes the current selection into the bound host program for the
// next draw.
//
// Separable mode attaches each stage to the runtime pipeline; a null
// handle detaches the stage. Drivers carrying BugStageChangeFreeze get all
// three bindings cleared before reattachment.
//
// Monolithic mode looks up or links the full program for the current stage
// triple, binds its uniform surface by name, and persists the linked
// binary.
func (m *Manager) Apply() error {
	if m.separable {
		if m.driver.HasBug(BugStageChangeFreeze) {
			m.driver.UseProgramStages(m.pipeline, StageVertex, 0)
			m.driver.UseProgramStages(m.pipeline, StageGeometry, 0)
			m.driver.UseProgramStages(m.pipeline, StageFragment, 0)
		}
		m.driver.UseProgramStages(m.pipeline, StageVertex, ProgramHandle(m.current.vs))
		m.driver.UseProgramStages(m.pipeline, StageGeometry, ProgramHandle(m.current.gs))
		m.driver.UseProgramStages(m.pipeline, StageFragment, ProgramHandle(m.current.fs))
		m.driver.UseProgram(0)
		m.driver.BindPipeline(m.pipeline)
		return nil
	}

	uid := m.current.configHash()
	p, ok := m.programs[uid]
	if !ok {
		var err error
		p, err = m.driver.CreateProgram(false,
			ShaderHandle(m.current.vs), ShaderHandle(m.current.gs), ShaderHandle(m.current.fs))
		if err != nil {
			return fmt.Errorf("shadercache: link program: %w", err)
		}
		bindUniformBlocks(m.driver, p)
		bindSamplers(m.driver, p)
		m.programs[uid] = p
		m.saveDump(uid, p)
		m.saveDecompiled(uid, "", m.accurateMul)
	}
	m.driver.BindPipeline(0)
	m.driver.UseProgram(p)
	return nil
}

// saveRaw persists a raw record; persistence failures cost warmup coverage
// on the next run, nothing more.
func (m *Manager) saveRaw(r disk.RawRecord) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveRaw(r); err != nil {
		logger().Warn("cannot persist raw shader record", "err", err)
	}
}

func (m *Manager) saveDecompiled(uid uint64, source string, accurateMul bool) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveDecompiled(uid, source, accurateMul); err != nil {
		logger().Warn("cannot persist decompiled shader", "err", err)
	}
}

// saveDump retrieves and persists the compiled binary of a linked program.
func (m *Manager) saveDump(uid uint64, p ProgramHandle) {
	if m.store == nil {
		return
	}
	format, binary, err := m.driver.ProgramBinary(p)
	if err != nil {
		logger().Warn("cannot retrieve program binary", "err", err)
		return
	}
	if err := m.store.SaveDump(uid, format, binary); err != nil {
		logger().Warn("cannot persist program binary", "err", err)
	}
}

// Stats reports cache occupancy.
type Stats struct {
	// VertexKeys counts bound vertex keys, including configurations the
	// generator declined.
	VertexKeys int

	// VertexPrograms counts distinct compiled vertex artifacts.
	VertexPrograms int

	// GeometryPrograms and FragmentPrograms count compiled artifacts.
	GeometryPrograms int
	FragmentPrograms int

	// LinkedPrograms counts fully linked monolithic programs.
	LinkedPrograms int
}

// Stats returns current cache occupancy.
func (m *Manager) Stats() Stats {
	return Stats{
		VertexKeys:       m.vertex.Len(),
		VertexPrograms:   m.vertex.SourceLen(),
		GeometryPrograms: m.geometry.Len(),
		FragmentPrograms: m.fragment.Len(),
		LinkedPrograms:   len(m.programs),
	}
}

// Close releases every host resource owned by the caches and closes the
// store. Pending precompiled entries are flushed first.
func (m *Manager) Close() {
	if m.store != nil {
		if err := m.store.SaveVirtualPrecompiledFile(); err != nil {
			logger().Warn("cannot flush precompiled cache", "err", err)
		}
		m.store.Close()
	}
	release := func(a stageArtifact) { a.Release() }
	m.vertex.Range(release)
	m.geometry.Range(release)
	m.fragment.Range(release)
	m.trivial.Release()
	for _, p := range m.programs {
		m.driver.DeleteProgram(p)
	}
	m.programs = make(map[uint64]ProgramHandle)
	if m.separable {
		m.driver.DeletePipeline(m.pipeline)
		m.pipeline = 0
	}
}

// snapshot copies a word slice for persistence, detaching it from the
// live register file.
func snapshot(words []uint32) []uint32 {
	if len(words) == 0 {
		return nil
	}
	return append([]uint32(nil), words...)
}
