// Package imagebind joins the three ETW event families that together
// describe one loaded module into a single library record (spec
// component C7): KernelTraceControl/ImageID (path, size, timestamp),
// KernelTraceControl/ImageID/DbgID_RSDS (PDB guid/age/path), and
// MSNT_SystemTrace/Image/Load (the authoritative NT-kernel path and
// the trigger to materialize everything collected so far).
package imagebind

import (
	"encoding/binary"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// GUID is the on-the-wire Windows GUID layout carried by the
// DbgID_RSDS event's GuidSig field (little-endian Data1/2/3, raw
// Data4 bytes).
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

// LibraryInfo is the fully materialized module record handed to the
// sink once Image/Load arrives.
type LibraryInfo struct {
	Name      string
	DebugName string
	Path      string
	DebugPath string
	CodeID    string
	DebugID   string
	Arch      string
}

type pendingKey struct {
	ProcessID int
	ImageBase uint64
}

// partial accumulates the two KernelTraceControl events for one
// (process, image_base) pair until Image/Load arrives.
type partial struct {
	path      string
	imageSize uint32
	timestamp uint32

	haveDbg bool
	info    LibraryInfo
}

// Binder holds every module still waiting for its terminating
// Image/Load event.
type Binder struct {
	pending map[pendingKey]*partial
}

// New returns an empty Binder.
func New() *Binder {
	return &Binder{pending: make(map[pendingKey]*partial)}
}

func (b *Binder) entry(processID int, imageBase uint64) *partial {
	key := pendingKey{processID, imageBase}
	p, ok := b.pending[key]
	if !ok {
		p = &partial{}
		b.pending[key] = p
	}
	return p
}

// OnImageID handles KernelTraceControl/ImageID: path, size, and
// timestamp, keyed by image_base. processID 0 means the kernel.
func (b *Binder) OnImageID(processID int, imageBase uint64, originalFileName string, imageSize, timeDateStamp uint32) {
	p := b.entry(processID, imageBase)
	p.path = originalFileName
	p.imageSize = imageSize
	p.timestamp = timeDateStamp
}

// OnDbgIDRSDS handles KernelTraceControl/ImageID/DbgID_RSDS: the PDB
// guid/age (from which debug_id is derived) and the PDB path. It must
// be preceded by OnImageID for the same (processID, imageBase), since
// code_id and the library name are derived from the path it recorded.
func (b *Binder) OnDbgIDRSDS(processID int, imageBase uint64, guid GUID, age uint32, pdbFileName string) {
	p := b.entry(processID, imageBase)
	p.haveDbg = true
	p.info = LibraryInfo{
		Name:      path.Base(filepathToSlash(p.path)),
		DebugName: path.Base(filepathToSlash(pdbFileName)),
		Path:      p.path,
		DebugPath: pdbFileName,
		CodeID:    fmt.Sprintf("%08X%x", p.timestamp, p.imageSize),
		DebugID:   debugIDFromParts(guid, age),
		Arch:      "x86_64",
	}
}

// OnImageLoad handles MSNT_SystemTrace/Image/Load (and its DCStart
// variant for pre-existing modules). It removes and returns the
// completed record for (processID, imageBase), with Path replaced by
// the authoritative NT path (prefixed to form a user-space path). ok
// is false for a "ghost driver" — a module with no on-disk file, so
// no KernelTraceControl events were ever emitted for it — in which
// case the load is silently ignored, per spec.
func (b *Binder) OnImageLoad(processID int, imageBase uint64, ntPath string) (LibraryInfo, bool) {
	key := pendingKey{processID, imageBase}
	p, ok := b.pending[key]
	if !ok || !p.haveDbg {
		delete(b.pending, key)
		return LibraryInfo{}, false
	}
	delete(b.pending, key)
	info := p.info
	info.Path = `\\?\GLOBALROOT` + ntPath
	return info, true
}

// filepathToSlash is a tiny normalization so path.Base works on
// Windows-style backslash paths regardless of the host OS running
// this engine (the trace's paths are always Windows paths, even when
// this binary runs on Linux for offline processing).
func filepathToSlash(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// debugIDFromParts renders the breakpad-style debug id: the PDB guid
// as 32 uppercase hex digits (byte order per the on-wire Windows GUID,
// not RFC 4122) followed by the age in hex, matching what native
// symbol servers expect.
func debugIDFromParts(g GUID, age uint32) string {
	var raw [16]byte
	binary.BigEndian.PutUint32(raw[0:4], g.Data1)
	binary.BigEndian.PutUint16(raw[4:6], g.Data2)
	binary.BigEndian.PutUint16(raw[6:8], g.Data3)
	copy(raw[8:16], g.Data4[:])
	u, err := uuid.FromBytes(raw[:])
	if err != nil {
		// uuid.FromBytes only fails on wrong-length input, which raw
		// cannot be; kept as a defensive fallback rather than a panic.
		return fmt.Sprintf("%X%x", raw, age)
	}
	return strings.ToUpper(strings.ReplaceAll(u.String(), "-", "")) + fmt.Sprintf("%x", age)
}
