package shadercache

// Uniform block binding points shared between generated sources and the
// host program. Names absent from a compiled program were optimized away
// and are skipped silently.
var uniformBlocks = [...]struct {
	name    string
	binding uint32
}{
	{"shader_data", 0},
	{"vs_config", 1},
}

// Texture units referenced by generated fragment sources.
var samplerUnits = [...]struct {
	name string
	unit int32
}{
	{"tex0", 0},
	{"tex1", 1},
	{"tex2", 2},
	{"texture_buffer_lut_lf", 3},
	{"texture_buffer_lut_rg", 4},
	{"texture_buffer_lut_rgba", 5},
	{"tex_cube", 6},
	{"tex_normal", 7},
}

// Image units used by the shadow-rendering paths.
var imageUnits = [...]struct {
	name string
	unit int32
}{
	{"shadow_buffer", 0},
	{"shadow_texture_px", 1},
	{"shadow_texture_nx", 2},
	{"shadow_texture_py", 3},
	{"shadow_texture_ny", 4},
	{"shadow_texture_pz", 5},
	{"shadow_texture_nz", 6},
}

// bindUniformBlocks assigns the block binding points on a linked program.
func bindUniformBlocks(d Driver, p ProgramHandle) {
	for _, b := range uniformBlocks {
		d.UniformBlockBinding(p, b.name, b.binding)
	}
}

// bindSamplers assigns texture and image units on a linked program.
func bindSamplers(d Driver, p ProgramHandle) {
	for _, s := range samplerUnits {
		d.SamplerBinding(p, s.name, s.unit)
	}
	for _, im := range imageUnits {
		d.ImageBinding(p, im.name, im.unit)
	}
}

// stageArtifact is one compiled, host-resident stage. The variant is
// chosen once at manager construction from the separable flag and never
// branched on per call: monolithic mode holds a bare shader object whose
// uniform binding happens at full-program link, separable mode holds a
// single-stage separable program ready to attach to the runtime pipeline.
// Each artifact owns exactly one host resource, released only when the
// owning cache is torn down.
type stageArtifact interface {
	// Create compiles source into the host resource.
	Create(source string) error

	// Handle returns the attachable (separable) or linkable (monolithic)
	// host object as an untyped handle.
	Handle() uint64

	// Release frees the host resource.
	Release()
}

// shaderObject is the monolithic variant: a compiled shader waiting to be
// linked into a full program.
type shaderObject struct {
	d     Driver
	stage Stage
	h     ShaderHandle
}

func (s *shaderObject) Create(source string) error {
	h, err := s.d.CreateShader(s.stage, source)
	if err != nil {
		return err
	}
	s.h = h
	return nil
}

func (s *shaderObject) Handle() uint64 { return uint64(s.h) }

func (s *shaderObject) Release() {
	s.d.DeleteShader(s.h)
	s.h = 0
}

// separableProgram is the separable variant: a single-stage program that
// attaches to the pipeline on its own. Uniform bindings are applied as
// soon as the program exists, since it will never be relinked.
type separableProgram struct {
	d     Driver
	stage Stage
	h     ProgramHandle
}

func (s *separableProgram) Create(source string) error {
	sh, err := s.d.CreateShader(s.stage, source)
	if err != nil {
		return err
	}
	defer s.d.DeleteShader(sh)

	p, err := s.d.CreateProgram(true, sh)
	if err != nil {
		return err
	}
	bindUniformBlocks(s.d, p)
	if s.stage == StageFragment {
		bindSamplers(s.d, p)
	}
	s.h = p
	return nil
}

// Inject adopts a program materialized from a persisted binary. Binaries
// carry no binding state, so both binding groups are reapplied.
func (s *separableProgram) Inject(p ProgramHandle) {
	bindUniformBlocks(s.d, p)
	bindSamplers(s.d, p)
	s.h = p
}

func (s *separableProgram) Handle() uint64 { return uint64(s.h) }

func (s *separableProgram) Release() {
	s.d.DeleteProgram(s.h)
	s.h = 0
}
