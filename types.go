package shadercache

import "github.com/gogpu/shadercache/disk"

// RegCount is the number of fixed-function register words captured in a
// register snapshot.
const RegCount = 0x300

// Regs is a snapshot of the fixed-function register block, captured by the
// GPU-state emulation layer at draw or key-construction time.
type Regs struct {
	Raw [RegCount]uint32
}

// Words returns the snapshot as a slice for hashing and persistence.
// The slice aliases the snapshot; callers that persist it must copy.
func (r *Regs) Words() []uint32 { return r.Raw[:] }

// Setup holds the programmable-stage microcode captured alongside the
// register snapshot: program code words and swizzle data words.
type Setup struct {
	Code    []uint32
	Swizzle []uint32
}

// Stage identifies a shader stage role within one program.
// It aliases the persisted representation in the disk package.
type Stage = disk.Stage

// Stage kinds. Geometry programs are derived from registers alone and are
// never persisted; see disk.StageGeometry.
const (
	StageVertex   = disk.StageVertex
	StageGeometry = disk.StageGeometry
	StageFragment = disk.StageFragment
)

// BinaryFormat tags a host program binary. The set of accepted formats is a
// property of the host driver and may change between runs.
type BinaryFormat = disk.BinaryFormat

// Host object handles. Zero is the null handle throughout.
type (
	// ShaderHandle identifies a host shader object.
	ShaderHandle uint64

	// ProgramHandle identifies a host program object.
	ProgramHandle uint64

	// PipelineHandle identifies a host separable-pipeline object.
	PipelineHandle uint64
)

// DriverBug flags known host driver defects the manager works around.
type DriverBug uint32

const (
	// BugStageChangeFreeze marks drivers that mishandle partial pipeline
	// re-attachment. When present, Apply clears all stage bindings before
	// reattaching.
	BugStageChangeFreeze DriverBug = 1 << iota
)

// Per-stage cache keys. Keys are opaque descriptors produced by the
// translation layer from the captured register and microcode state. Equal
// keys always select the same artifact; structurally different keys may
// still map to the same compiled program (see cache.DedupCache).
type (
	// VertexKey describes one programmable vertex shader configuration.
	VertexKey struct{ Hash uint64 }

	// GeometryKey describes one fixed-geometry shader configuration.
	GeometryKey struct{ Hash uint64 }

	// FragmentKey describes one fragment shader configuration.
	FragmentKey struct{ Hash uint64 }
)
