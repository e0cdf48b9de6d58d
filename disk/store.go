package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"
)

const (
	transferableName = "transferable.bin"
	precompiledName  = "precompiled.bin"

	// fileMagic marks shader cache files.
	fileMagic = 0x53434143 // "SCAC"

	transferableVersion = 1
	precompiledVersion  = 1
)

// header leads every cache file. A version bump orphans old files, which
// readers treat as a cold start.
type header struct {
	Magic   uint32 `cbor:"1,keyasint"`
	Version uint32 `cbor:"2,keyasint"`
}

// precompiledEntry wraps either record kind in the precompiled stream.
// Exactly one field is set per entry.
type precompiledEntry struct {
	Decompiled *DecompiledRecord `cbor:"1,keyasint,omitempty"`
	Dump       *DumpRecord       `cbor:"2,keyasint,omitempty"`
}

// Store persists shader cache records under a directory as two files:
// transferable.bin holds ordered RawRecords and survives driver and GPU
// changes; precompiled.bin holds DecompiledRecords and DumpRecords tied to
// the current host. Correspondence across the files is by UniqueID only,
// never by position.
//
// In separable mode the precompiled side is kept as a virtual in-memory
// image, zstd-compressed and rewritten at most once per session (the
// per-stage binary payload is large). In monolithic mode entries are
// appended uncompressed as programs are linked.
//
// Store is not safe for concurrent use; the warmup loader serializes
// access under its own lock.
type Store struct {
	dir       string
	separable bool

	transferable *os.File
	rawSeen      map[uint64]struct{}

	// Virtual precompiled image. Also the session's write-once index:
	// presence of a UID suppresses re-saving it.
	decompiled map[uint64]DecompiledRecord
	dumps      map[uint64]DumpRecord
	dirty      bool

	precompiled *os.File // append handle, monolithic mode only
}

// NewStore creates a store rooted at dir. The directory is created lazily
// on first write, so a read-only run leaves no trace.
func NewStore(dir string, separable bool) *Store {
	return &Store{
		dir:        dir,
		separable:  separable,
		rawSeen:    make(map[uint64]struct{}),
		decompiled: make(map[uint64]DecompiledRecord),
		dumps:      make(map[uint64]DumpRecord),
	}
}

// Separable reports the stage layout the store was opened for.
func (s *Store) Separable() bool { return s.separable }

// Dirty reports whether precompiled entries were added this session and
// not yet rewritten.
func (s *Store) Dirty() bool { return s.dirty }

func (s *Store) transferablePath() string { return filepath.Join(s.dir, transferableName) }
func (s *Store) precompiledPath() string  { return filepath.Join(s.dir, precompiledName) }

// LoadTransferable reads the ordered raw records. A missing, corrupt or
// version-mismatched file is a cold start, never an error: corruption is
// logged, the file is removed, and nil is returned.
func (s *Store) LoadTransferable() []RawRecord {
	f, err := os.Open(s.transferablePath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger().Warn("cannot open transferable cache, starting cold", "err", err)
		}
		return nil
	}
	defer f.Close()

	dec := decMode.NewDecoder(f)
	var hdr header
	if err := dec.Decode(&hdr); err != nil || hdr.Magic != fileMagic || hdr.Version != transferableVersion {
		logger().Warn("transferable cache has unknown layout, removing",
			"path", s.transferablePath())
		s.removeTransferable()
		return nil
	}

	var raws []RawRecord
	for {
		var r RawRecord
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logger().Warn("transferable cache corrupt, removing", "err", err)
			s.removeTransferable()
			return nil
		}
		raws = append(raws, r)
	}

	// Loaded identifiers are write-once for the rest of the session.
	for i := range raws {
		s.rawSeen[raws[i].UID] = struct{}{}
	}
	return raws
}

// LoadPrecompiled reads the decompiled and dump records keyed by UniqueID.
// Corruption here disables only the binary fast path: both maps come back
// empty, the file is removed, and the transferable side is untouched.
// The returned maps are the store's live image and stay valid until the
// next invalidation.
func (s *Store) LoadPrecompiled() (map[uint64]DecompiledRecord, map[uint64]DumpRecord) {
	f, err := os.Open(s.precompiledPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger().Warn("cannot open precompiled cache", "err", err)
		}
		return s.decompiled, s.dumps
	}
	defer f.Close()

	var r io.Reader = f
	if s.separable {
		zr, err := zstd.NewReader(f)
		if err != nil {
			logger().Warn("precompiled cache not readable, removing", "err", err)
			s.InvalidatePrecompiled()
			return s.decompiled, s.dumps
		}
		defer zr.Close()
		r = zr
	}

	dec := decMode.NewDecoder(r)
	var hdr header
	if err := dec.Decode(&hdr); err != nil || hdr.Magic != fileMagic || hdr.Version != precompiledVersion {
		logger().Warn("precompiled cache has unknown layout, removing",
			"path", s.precompiledPath())
		s.InvalidatePrecompiled()
		return s.decompiled, s.dumps
	}

	for {
		var e precompiledEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			logger().Warn("precompiled cache corrupt, removing", "err", err)
			s.InvalidatePrecompiled()
			return s.decompiled, s.dumps
		}
		switch {
		case e.Decompiled != nil:
			s.decompiled[e.Decompiled.UID] = *e.Decompiled
		case e.Dump != nil:
			s.dumps[e.Dump.UID] = *e.Dump
		default:
			logger().Warn("precompiled cache holds unknown entry, removing")
			s.InvalidatePrecompiled()
			return s.decompiled, s.dumps
		}
	}
	return s.decompiled, s.dumps
}

// SaveRaw appends a raw record. Append-only, write-once per UniqueID per
// session; a record already persisted (this session or loaded from disk)
// is skipped silently.
func (s *Store) SaveRaw(r RawRecord) error {
	if _, ok := s.rawSeen[r.UID]; ok {
		return nil
	}
	f, err := s.openAppend(&s.transferable, s.transferablePath(), transferableVersion)
	if err != nil {
		return fmt.Errorf("disk: open transferable cache: %w", err)
	}
	if err := appendRecord(f, r); err != nil {
		return fmt.Errorf("disk: append raw record: %w", err)
	}
	s.rawSeen[r.UID] = struct{}{}
	return nil
}

// SaveDecompiled records generated source for a UniqueID, tagged with the
// precision mode active at compile time. Write-once per UID per session.
func (s *Store) SaveDecompiled(uid uint64, source string, accurateMul bool) error {
	if _, ok := s.decompiled[uid]; ok {
		return nil
	}
	rec := DecompiledRecord{UID: uid, Source: source, AccurateMul: accurateMul}
	s.decompiled[uid] = rec
	if s.separable {
		s.dirty = true
		return nil
	}
	return s.appendPrecompiled(precompiledEntry{Decompiled: &rec})
}

// SaveDump records a compiled program binary for a UniqueID. Write-once
// per UID per session.
func (s *Store) SaveDump(uid uint64, format BinaryFormat, binary []byte) error {
	if _, ok := s.dumps[uid]; ok {
		return nil
	}
	rec := DumpRecord{UID: uid, Format: format, Binary: binary}
	s.dumps[uid] = rec
	if s.separable {
		s.dirty = true
		return nil
	}
	return s.appendPrecompiled(precompiledEntry{Dump: &rec})
}

// SaveVirtualPrecompiledFile rewrites the precompiled file from the
// in-memory image, at most once and only when entries were added this
// session. Monolithic stores append as they go and need no rewrite.
func (s *Store) SaveVirtualPrecompiledFile() error {
	if !s.separable || !s.dirty {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("disk: create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, precompiledName+".*")
	if err != nil {
		return fmt.Errorf("disk: create precompiled cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("disk: compress precompiled cache: %w", err)
	}
	if err := s.writeImage(zw); err != nil {
		zw.Close()
		tmp.Close()
		return fmt.Errorf("disk: write precompiled cache: %w", err)
	}
	if err := zw.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("disk: flush precompiled cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("disk: close precompiled cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.precompiledPath()); err != nil {
		return fmt.Errorf("disk: replace precompiled cache: %w", err)
	}
	s.dirty = false
	return nil
}

// writeImage serializes the header and the full precompiled image. Records
// go out sorted by UniqueID: readers join by identifier, never by
// position, and sorted output keeps the file reproducible.
func (s *Store) writeImage(w io.Writer) error {
	if err := writeHeader(w, precompiledVersion); err != nil {
		return err
	}
	for _, uid := range sortedKeys(s.decompiled) {
		rec := s.decompiled[uid]
		if err := appendRecord(w, precompiledEntry{Decompiled: &rec}); err != nil {
			return err
		}
	}
	for _, uid := range sortedKeys(s.dumps) {
		rec := s.dumps[uid]
		if err := appendRecord(w, precompiledEntry{Dump: &rec}); err != nil {
			return err
		}
	}
	return nil
}

// DropEntry removes the precompiled image entries for one UniqueID so a
// refreshed record can be saved in their place. Used when a persisted
// entry is recognized as stale (wrong precision mode) during warmup.
// Meaningful in separable mode only; monolithic files are append-only.
func (s *Store) DropEntry(uid uint64) {
	if _, ok := s.decompiled[uid]; ok {
		delete(s.decompiled, uid)
		s.dirty = true
	}
	if _, ok := s.dumps[uid]; ok {
		delete(s.dumps, uid)
		s.dirty = true
	}
}

// InvalidatePrecompiled drops the binary and decompiled side only, forcing
// regeneration from raw records. Triggered when the host rejects a binary
// at load time.
func (s *Store) InvalidatePrecompiled() {
	if s.precompiled != nil {
		s.precompiled.Close()
		s.precompiled = nil
	}
	s.decompiled = make(map[uint64]DecompiledRecord)
	s.dumps = make(map[uint64]DumpRecord)
	s.dirty = false
	removeQuiet(s.precompiledPath())
}

// InvalidateAll drops everything. Triggered when a raw record fails
// content verification: correspondence elsewhere is identifier-based, so
// one corrupt record casts doubt on the rest of the store.
func (s *Store) InvalidateAll() {
	s.InvalidatePrecompiled()
	s.removeTransferable()
}

// Close releases open file handles. Pending virtual entries are not
// flushed; call SaveVirtualPrecompiledFile first.
func (s *Store) Close() {
	if s.transferable != nil {
		s.transferable.Close()
		s.transferable = nil
	}
	if s.precompiled != nil {
		s.precompiled.Close()
		s.precompiled = nil
	}
}

func (s *Store) removeTransferable() {
	if s.transferable != nil {
		s.transferable.Close()
		s.transferable = nil
	}
	s.rawSeen = make(map[uint64]struct{})
	removeQuiet(s.transferablePath())
}

// openAppend lazily opens an append handle, writing the header when the
// file is fresh.
func (s *Store) openAppend(slot **os.File, path string, version uint32) (*os.File, error) {
	if *slot != nil {
		return *slot, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() == 0 {
		if err := writeHeader(f, version); err != nil {
			f.Close()
			return nil, err
		}
	}
	*slot = f
	return f, nil
}

func (s *Store) appendPrecompiled(e precompiledEntry) error {
	f, err := s.openAppend(&s.precompiled, s.precompiledPath(), precompiledVersion)
	if err != nil {
		return fmt.Errorf("disk: open precompiled cache: %w", err)
	}
	if err := appendRecord(f, e); err != nil {
		return fmt.Errorf("disk: append precompiled record: %w", err)
	}
	return nil
}

func writeHeader(w io.Writer, version uint32) error {
	return appendRecord(w, header{Magic: fileMagic, Version: version})
}

func appendRecord(w io.Writer, v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func sortedKeys[V any](m map[uint64]V) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger().Warn("cannot remove cache file", "path", path, "err", err)
	}
}
