// Package disk persists compiled shader state across runs.
//
// Three record kinds are stored, joined by a 64-bit content hash
// (UniqueID): RawRecord captures the register and microcode state a shader
// was built from, DecompiledRecord the generated source text, and
// DumpRecord the host-compiled binary. Raw records survive GPU and driver
// changes; the precompiled side is host-specific and merely an
// acceleration, so every validation failure degrades to recompiling from
// raw instead of surfacing an error.
package disk
