package shadercache

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gogpu/shadercache/disk"
)

// fakeDriver models the host graphics binding well enough to observe
// every interaction the cache makes: compiled sources, link and binary
// traffic, pipeline attachment, and binding-table lookups. Real drivers
// are serialized by context ownership; the fake locks instead so warmup
// workers can share one instance.
type fakeDriver struct {
	mu   sync.Mutex
	next uint64

	shaders   map[ShaderHandle]fakeShader
	programs  map[ProgramHandle]fakeProgram
	pipelines map[PipelineHandle]map[Stage]ProgramHandle

	boundPipeline PipelineHandle
	boundProgram  ProgramHandle

	// stageCalls records every UseProgramStages invocation in order.
	stageCalls []stageCall

	compiles    int // CreateShader calls
	links       int // monolithic CreateProgram calls
	binaryLoads int // LoadProgramBinary calls

	format BinaryFormat // format stamped on produced binaries

	// Failure injection.
	supported      []BinaryFormat
	rejectBinaries bool
	failCompile    func(source string) error
	bugs           DriverBug
	missingNames   map[string]bool
}

type fakeShader struct {
	stage  Stage
	source string
}

type fakeProgram struct {
	separable bool
	sources   []string
	blocks    map[string]uint32
	samplers  map[string]int32
	images    map[string]int32
}

type stageCall struct {
	pipeline PipelineHandle
	stage    Stage
	program  ProgramHandle
}

func newFakeDriver() *fakeDriver {
	d := &fakeDriver{
		shaders:   make(map[ShaderHandle]fakeShader),
		programs:  make(map[ProgramHandle]fakeProgram),
		pipelines: make(map[PipelineHandle]map[Stage]ProgramHandle),
		format:    7,
	}
	d.supported = []BinaryFormat{d.format}
	return d
}

func (d *fakeDriver) handle() uint64 {
	d.next++
	return d.next
}

func (d *fakeDriver) CreateShader(stage Stage, source string) (ShaderHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.compiles++
	if d.failCompile != nil {
		if err := d.failCompile(source); err != nil {
			return 0, err
		}
	}
	h := ShaderHandle(d.handle())
	d.shaders[h] = fakeShader{stage: stage, source: source}
	return h, nil
}

func (d *fakeDriver) DeleteShader(h ShaderHandle) {
	if h == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.shaders, h)
}

func (d *fakeDriver) CreateProgram(separable bool, shaders ...ShaderHandle) (ProgramHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sources []string
	for _, sh := range shaders {
		if sh == 0 {
			continue
		}
		s, ok := d.shaders[sh]
		if !ok {
			return 0, fmt.Errorf("fake: link of unknown shader %d", sh)
		}
		sources = append(sources, s.source)
	}
	if !separable {
		d.links++
	}
	h := ProgramHandle(d.handle())
	d.programs[h] = d.newProgram(separable, sources)
	return h, nil
}

func (d *fakeDriver) newProgram(separable bool, sources []string) fakeProgram {
	return fakeProgram{
		separable: separable,
		sources:   sources,
		blocks:    make(map[string]uint32),
		samplers:  make(map[string]int32),
		images:    make(map[string]int32),
	}
}

func (d *fakeDriver) DeleteProgram(h ProgramHandle) {
	if h == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.programs, h)
}

// Binaries are the program's source list behind a marker, so a reloaded
// program is indistinguishable from a freshly linked one.
const binaryMark = "BIN|"

func (d *fakeDriver) LoadProgramBinary(format BinaryFormat, binary []byte, separable bool) (ProgramHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.binaryLoads++
	if d.rejectBinaries {
		return 0, fmt.Errorf("fake: %w", ErrBinaryRejected)
	}
	supported := false
	for _, f := range d.supported {
		if f == format {
			supported = true
		}
	}
	if !supported {
		return 0, fmt.Errorf("fake: unsupported binary format %d", format)
	}
	payload, ok := strings.CutPrefix(string(binary), binaryMark)
	if !ok {
		return 0, errors.New("fake: malformed binary")
	}
	h := ProgramHandle(d.handle())
	d.programs[h] = d.newProgram(separable, strings.Split(payload, "\x1f"))
	return h, nil
}

func (d *fakeDriver) ProgramBinary(h ProgramHandle) (BinaryFormat, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[h]
	if !ok {
		return 0, nil, fmt.Errorf("fake: binary of unknown program %d", h)
	}
	return d.format, []byte(binaryMark + strings.Join(p.sources, "\x1f")), nil
}

func (d *fakeDriver) SupportedBinaryFormats() []BinaryFormat {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]BinaryFormat(nil), d.supported...)
}

func (d *fakeDriver) CreatePipeline() (PipelineHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := PipelineHandle(d.handle())
	d.pipelines[h] = make(map[Stage]ProgramHandle)
	return h, nil
}

func (d *fakeDriver) DeletePipeline(h PipelineHandle) {
	if h == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pipelines, h)
}

func (d *fakeDriver) UseProgramStages(pipeline PipelineHandle, stage Stage, program ProgramHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stageCalls = append(d.stageCalls, stageCall{pipeline, stage, program})
	if s, ok := d.pipelines[pipeline]; ok {
		s[stage] = program
	}
}

func (d *fakeDriver) BindPipeline(h PipelineHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boundPipeline = h
}

func (d *fakeDriver) UseProgram(h ProgramHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.boundProgram = h
}

func (d *fakeDriver) UniformBlockBinding(program ProgramHandle, name string, binding uint32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[program]
	if !ok || d.missingNames[name] {
		return false
	}
	p.blocks[name] = binding
	return true
}

func (d *fakeDriver) SamplerBinding(program ProgramHandle, name string, unit int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[program]
	if !ok || d.missingNames[name] {
		return false
	}
	p.samplers[name] = unit
	return true
}

func (d *fakeDriver) ImageBinding(program ProgramHandle, name string, unit int32) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[program]
	if !ok || d.missingNames[name] {
		return false
	}
	p.images[name] = unit
	return true
}

func (d *fakeDriver) HasBug(b DriverBug) bool { return d.bugs&b != 0 }

func (d *fakeDriver) liveObjects() (shaders, programs, pipelines int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shaders), len(d.programs), len(d.pipelines)
}

func (d *fakeDriver) pipelineStage(p PipelineHandle, stage Stage) ProgramHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipelines[p][stage]
}

func (d *fakeDriver) programSources(h ProgramHandle) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.programs[h].sources
}

func (d *fakeDriver) compileCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.compiles
}

func (d *fakeDriver) binaryLoadCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binaryLoads
}

// fakeGenerator derives keys and sources from a few register words, so
// tests shape the key and dedup space through register values alone:
//
//	Raw[0] selects the vertex source text
//	Raw[1] != 0 declines the vertex configuration
//	Raw[2] selects the geometry source text
//	Raw[3] selects the fragment source text
//
// Vertex keys fold in the full microcode, so two setups with different
// code but equal Raw[0] produce distinct keys over identical source.
type fakeGenerator struct {
	accurateMul bool
	declineAll  bool

	vertexSourceCalls atomic.Int32
}

func (g *fakeGenerator) VertexKey(regs *Regs, setup *Setup) VertexKey {
	return VertexKey{Hash: disk.UniqueID(regs.Words(), setup.Code, setup.Swizzle)}
}

func (g *fakeGenerator) GeometryKey(regs *Regs) GeometryKey {
	return GeometryKey{Hash: uint64(regs.Raw[2])}
}

func (g *fakeGenerator) FragmentKey(regs *Regs) FragmentKey {
	return FragmentKey{Hash: disk.UniqueID(regs.Words(), nil, nil)}
}

func (g *fakeGenerator) VertexSource(regs *Regs, setup *Setup) (string, bool) {
	g.vertexSourceCalls.Add(1)
	if g.declineAll || regs.Raw[1] != 0 {
		return "", false
	}
	return fmt.Sprintf("vertex %d mul=%v", regs.Raw[0], g.accurateMul), true
}

func (g *fakeGenerator) GeometrySource(regs *Regs) string {
	return fmt.Sprintf("geometry %d", regs.Raw[2])
}

func (g *fakeGenerator) FragmentSource(regs *Regs) string {
	return fmt.Sprintf("fragment %d", regs.Raw[3])
}

func (g *fakeGenerator) TrivialVertexSource() string { return "trivial vertex" }

// fakeContext flags concurrent use: a context current on two goroutines at
// once is a real-world crash, so the fake counts violations.
type fakeContext struct {
	inUse      atomic.Bool
	violations *atomic.Int32
	madeCount  atomic.Int32
}

func (c *fakeContext) MakeCurrent() error {
	if !c.inUse.CompareAndSwap(false, true) {
		c.violations.Add(1)
	}
	c.madeCount.Add(1)
	return nil
}

func (c *fakeContext) DoneCurrent() {
	if !c.inUse.CompareAndSwap(true, false) {
		c.violations.Add(1)
	}
}

type fakeProvider struct {
	strict    bool
	createErr error

	mu         sync.Mutex
	contexts   []*fakeContext
	saves      int
	restores   int
	violations atomic.Int32
}

func (p *fakeProvider) CreateSharedContext() (GraphicsContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	c := &fakeContext{violations: &p.violations}
	p.contexts = append(p.contexts, c)
	return c, nil
}

func (p *fakeProvider) SaveContext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
}

func (p *fakeProvider) RestoreContext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restores++
}

func (p *fakeProvider) StrictContextRequired() bool { return p.strict }

// vertexRegs builds a register snapshot selecting vertex source n.
func vertexRegs(n uint32) *Regs {
	r := new(Regs)
	r.Raw[0] = n
	return r
}

// fragmentRegs builds a register snapshot selecting fragment source n.
func fragmentRegs(n uint32) *Regs {
	r := new(Regs)
	r.Raw[3] = n
	return r
}

func vertexSetup(code ...uint32) *Setup {
	return &Setup{Code: code, Swizzle: []uint32{1, 2}}
}
