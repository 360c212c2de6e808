package peparse

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/sizescope/sizescope/pkg/arch"
)

// The exception directory is the authoritative source of code extents in a
// PE image without debug files: every non-leaf function registers its
// address range there for unwinding.
//
// On x64 each RUNTIME_FUNCTION carries begin and end; an entry whose unwind
// info has the chain flag is a continuation fragment of another function
// (a separated block), and the primary entry sits after the unwind codes.
// On ARM and ARM64 entries carry only begin and packed unwind data, so
// extents are synthesized from consecutive starts.

const (
	x64EntrySize = 12
	armEntrySize = 8

	unwFlagChainInfo = 0x04
)

// exceptionEntry is one decoded exception-directory entry.
type exceptionEntry struct {
	Begin uint32
	// End is the exclusive end, 0 when the format does not encode one.
	End uint32
	// ChainTarget is the begin address of the primary entry when this
	// entry is a continuation fragment.
	ChainTarget uint32
	Chained     bool
}

// readAtFunc resolves n bytes of image data at an RVA.
type readAtFunc func(rva, n uint32) ([]byte, error)

func parseExceptionDirectory(a arch.Arch, pdata []byte, readAt readAtFunc) ([]exceptionEntry, int, error) {
	switch a {
	case arch.X64, arch.ARM64EC:
		return parseX64Entries(pdata, readAt)
	case arch.ARM, arch.ARM64:
		entries := parseArmEntries(pdata)
		return entries, 0, nil
	case arch.X86:
		// No table-based unwinding on x86.
		return nil, 0, nil
	}
	return nil, 0, arch.UnsupportedArchError{Name: a.String()}
}

// parseX64Entries decodes 12-byte RUNTIME_FUNCTION entries, resolving
// chained unwind info to the primary entry. Entries with unreadable unwind
// info are kept as plain functions; the count of those is returned for
// diagnostics.
func parseX64Entries(pdata []byte, readAt readAtFunc) ([]exceptionEntry, int, error) {
	var entries []exceptionEntry
	var unresolved int
	for off := 0; off+x64EntrySize <= len(pdata); off += x64EntrySize {
		begin := binary.LittleEndian.Uint32(pdata[off:])
		end := binary.LittleEndian.Uint32(pdata[off+4:])
		unwind := binary.LittleEndian.Uint32(pdata[off+8:])
		if begin == 0 && end == 0 && unwind == 0 {
			// Zero padding terminates the table.
			break
		}
		if end <= begin {
			return nil, 0, errors.Errorf("exception entry at offset %d: end 0x%x not after begin 0x%x", off, end, begin)
		}

		e := exceptionEntry{Begin: begin, End: end}
		target, chained, err := chainTarget(unwind, readAt)
		if err != nil {
			unresolved++
		} else if chained {
			e.Chained = true
			e.ChainTarget = target
		}
		entries = append(entries, e)
	}
	return entries, unresolved, nil
}

// chainTarget reads the UNWIND_INFO header at the given RVA and, when the
// chain flag is set, the primary RUNTIME_FUNCTION stored after the unwind
// codes.
func chainTarget(unwindRVA uint32, readAt readAtFunc) (uint32, bool, error) {
	hdr, err := readAt(unwindRVA, 4)
	if err != nil {
		return 0, false, err
	}
	flags := hdr[0] >> 3
	if flags&unwFlagChainInfo == 0 {
		return 0, false, nil
	}
	// Unwind code slots are 2 bytes each, padded to an even count; the
	// chained RUNTIME_FUNCTION follows them.
	codes := uint32(hdr[2])
	primaryOff := unwindRVA + 4 + 2*((codes+1)&^1)
	primary, err := readAt(primaryOff, x64EntrySize)
	if err != nil {
		return 0, false, err
	}
	return binary.LittleEndian.Uint32(primary), true, nil
}

// parseArmEntries decodes 8-byte {begin, unwind data} pairs. Extents are
// not encoded; ends stay 0 for later synthesis from consecutive starts.
func parseArmEntries(pdata []byte) []exceptionEntry {
	var entries []exceptionEntry
	for off := 0; off+armEntrySize <= len(pdata); off += armEntrySize {
		begin := binary.LittleEndian.Uint32(pdata[off:])
		unwind := binary.LittleEndian.Uint32(pdata[off+4:])
		if begin == 0 && unwind == 0 {
			break
		}
		entries = append(entries, exceptionEntry{Begin: begin})
	}
	return entries
}
