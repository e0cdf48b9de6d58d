package shadercache

// Generator is the shader-source translation layer: a pure function from
// captured fixed-function state to cache keys and source text. The same
// state must always yield the same key and the same source, both at draw
// time and when state is rehydrated from persisted records during warmup.
type Generator interface {
	// VertexKey derives the cache key for a programmable vertex shader.
	// The key may over-distinguish configurations (leftover microcode words
	// fold into it); the cache deduplicates on generated source text.
	VertexKey(regs *Regs, setup *Setup) VertexKey

	// GeometryKey derives the cache key for a fixed-geometry shader.
	GeometryKey(regs *Regs) GeometryKey

	// FragmentKey derives the cache key for a fragment shader.
	FragmentKey(regs *Regs) FragmentKey

	// VertexSource generates vertex shader source. It reports ok=false when
	// the configuration needs no host program, in which case the caller
	// falls back to CPU vertex processing.
	VertexSource(regs *Regs, setup *Setup) (source string, ok bool)

	// GeometrySource generates fixed-geometry shader source.
	GeometrySource(regs *Regs) string

	// FragmentSource generates fragment shader source.
	FragmentSource(regs *Regs) string

	// TrivialVertexSource generates the pass-through vertex shader used by
	// the fixed transform pipeline.
	TrivialVertexSource() string
}
