package shadercache

// Driver is the host graphics binding consumed by the shader cache. It wraps
// the object creation, compilation, linking and query primitives of the host
// API. Implementations are not required to be safe for concurrent use; the
// cache serializes driver access except where a GraphicsContext explicitly
// transfers ownership to a warmup worker.
type Driver interface {
	// CreateShader compiles source for the given stage and returns the
	// shader object.
	CreateShader(stage Stage, source string) (ShaderHandle, error)

	// DeleteShader releases a shader object. Deleting the null handle is a
	// no-op.
	DeleteShader(ShaderHandle)

	// CreateProgram links the given shaders into a program. Null shader
	// handles are skipped, so a program without a geometry stage passes a
	// zero handle. A separable program can be attached to a pipeline stage
	// on its own.
	CreateProgram(separable bool, shaders ...ShaderHandle) (ProgramHandle, error)

	// DeleteProgram releases a program object. The null handle is a no-op.
	DeleteProgram(ProgramHandle)

	// LoadProgramBinary materializes a program from a persisted binary.
	// The driver may reject a binary it produced in an earlier run (a
	// driver update invalidates them, for one): implementations return an
	// error wrapping ErrBinaryRejected and callers fall back to source
	// compilation.
	LoadProgramBinary(format BinaryFormat, binary []byte, separable bool) (ProgramHandle, error)

	// ProgramBinary retrieves the compiled binary of a linked program
	// together with its driver-specific format tag.
	ProgramBinary(ProgramHandle) (BinaryFormat, []byte, error)

	// SupportedBinaryFormats returns the binary formats the host accepts in
	// this run.
	SupportedBinaryFormats() []BinaryFormat

	// CreatePipeline creates a separable-pipeline object.
	CreatePipeline() (PipelineHandle, error)

	// DeletePipeline releases a pipeline object. The null handle is a no-op.
	DeletePipeline(PipelineHandle)

	// UseProgramStages attaches a separable program to one stage of a
	// pipeline. The null program handle detaches the stage.
	UseProgramStages(pipeline PipelineHandle, stage Stage, program ProgramHandle)

	// BindPipeline makes a pipeline current. The null handle unbinds.
	BindPipeline(PipelineHandle)

	// UseProgram makes a monolithic program current. The null handle
	// unbinds.
	UseProgram(ProgramHandle)

	// UniformBlockBinding assigns a binding point to a named uniform block.
	// Reports false when the program has no block of that name; unused
	// blocks may be optimized away by the host compiler, so absence is not
	// an error.
	UniformBlockBinding(program ProgramHandle, name string, binding uint32) bool

	// SamplerBinding assigns a texture unit to a named sampler uniform.
	// Reports false when the name is absent from the program.
	SamplerBinding(program ProgramHandle, name string, unit int32) bool

	// ImageBinding assigns an image unit to a named image uniform.
	// Reports false when the name is absent from the program.
	ImageBinding(program ProgramHandle, name string, unit int32) bool

	// HasBug reports whether the host driver exhibits a known defect.
	HasBug(DriverBug) bool
}

// GraphicsContext is an auxiliary host context sharing resources with the
// main one. A context is owned by at most one goroutine at a time; warmup
// workers receive a context whole and release it when their partition is
// done.
type GraphicsContext interface {
	// MakeCurrent binds the context to the calling goroutine.
	MakeCurrent() error

	// DoneCurrent releases the context from the calling goroutine.
	DoneCurrent()
}

// ContextProvider creates shared contexts for warmup workers. On some
// platforms shared contexts must be created from the thread owning the main
// context, so the loader creates all contexts up front before spawning
// workers.
type ContextProvider interface {
	// CreateSharedContext creates a context sharing objects with the main
	// context. The returned context is not current.
	CreateSharedContext() (GraphicsContext, error)

	// SaveContext detaches the main context so shared contexts can be
	// created and used; RestoreContext reattaches it after warmup.
	SaveContext()
	RestoreContext()

	// StrictContextRequired reports hosts that cannot run GL calls outside
	// the main context's thread. Warmup degrades to a single-threaded slow
	// path on such hosts.
	StrictContextRequired() bool
}
