package disk

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Stage identifies the shader stage a record was captured for. Only vertex
// and fragment records are ever persisted; fixed-geometry programs are
// regenerated from registers at a cost too small to justify storage. Any
// other kind found in a store is corruption.
type Stage uint32

const (
	StageVertex Stage = iota
	StageGeometry
	StageFragment
)

func (s Stage) String() string {
	switch s {
	case StageVertex:
		return "vertex"
	case StageGeometry:
		return "geometry"
	case StageFragment:
		return "fragment"
	default:
		return fmt.Sprintf("stage(%d)", uint32(s))
	}
}

// Persistable reports whether records of this kind belong in a store.
func (s Stage) Persistable() bool {
	return s == StageVertex || s == StageFragment
}

// BinaryFormat tags a host program binary with its driver-specific format.
type BinaryFormat uint32

// hashCombine folds v into seed. Same mixing as the usual boost-style
// combiner, widened to 64 bits.
func hashCombine(seed, v uint64) uint64 {
	return seed ^ (v + 0x9e3779b97f4a7c15 + (seed << 6) + (seed >> 2))
}

// hashWords hashes a word slice in little-endian byte order.
func hashWords(words []uint32) uint64 {
	buf := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}
	return xxhash.Sum64(buf)
}

// UniqueID computes the content hash that joins record kinds across files.
// It is reproducible purely from the register and microcode words; record
// position in any file carries no meaning. Empty word groups do not
// contribute, so a fragment record hashes its registers alone.
func UniqueID(regs, code, swizzle []uint32) uint64 {
	h := hashCombine(0, hashWords(regs))
	if len(code) > 0 {
		h = hashCombine(h, hashWords(code))
	}
	if len(swizzle) > 0 {
		h = hashCombine(h, hashWords(swizzle))
	}
	return h
}

// CombineHashes folds a sequence of content hashes into one identifier.
// Used for the monolithic combined program key over the three stage hashes.
func CombineHashes(hashes ...uint64) uint64 {
	buf := make([]byte, len(hashes)*8)
	for i, h := range hashes {
		binary.LittleEndian.PutUint64(buf[i*8:], h)
	}
	return xxhash.Sum64(buf)
}

// RawRecord is the durable capture of everything needed to rebuild one
// shader: the fixed-function register snapshot plus the programmable-stage
// microcode active when the shader was first compiled.
type RawRecord struct {
	UID     uint64   `cbor:"1,keyasint"`
	Kind    Stage    `cbor:"2,keyasint"`
	Regs    []uint32 `cbor:"3,keyasint"`
	Code    []uint32 `cbor:"4,keyasint,omitempty"`
	Swizzle []uint32 `cbor:"5,keyasint,omitempty"`
}

// ComputeUID recomputes the identifier from the record's own content.
func (r *RawRecord) ComputeUID() uint64 {
	return UniqueID(r.Regs, r.Code, r.Swizzle)
}

// Verify reports whether the stored identifier reproduces from content.
// A mismatch means the record is corrupt, and since correspondence across
// files is identifier-based, one corrupt record casts doubt on the rest.
func (r *RawRecord) Verify() bool {
	return r.UID == r.ComputeUID()
}

// DecompiledRecord carries generated source text together with the
// numeric-precision mode that was active when it was produced. It is
// trusted only when the flag matches the current process setting.
type DecompiledRecord struct {
	UID         uint64 `cbor:"1,keyasint"`
	Source      string `cbor:"2,keyasint"`
	AccurateMul bool   `cbor:"3,keyasint"`
}

// DumpRecord carries a compiled program binary. It is trusted only when
// its format tag is still accepted by the host driver.
type DumpRecord struct {
	UID    uint64       `cbor:"1,keyasint"`
	Format BinaryFormat `cbor:"2,keyasint"`
	Binary []byte       `cbor:"3,keyasint"`
}
