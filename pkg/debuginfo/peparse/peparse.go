// Package peparse serves debug information straight from a PE image, with
// no debug files at hand. Coverage is what the image itself records: code
// extents from the exception directory, names from the COFF symbol table
// and the export directory. Types and inline sites are not recoverable
// from an image alone, so the corresponding lookups report not-found.
package peparse

import (
	"bytes"
	"context"
	"debug/pe"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/iter"
	"github.com/sizescope/sizescope/pkg/rva"
)

var _ debuginfo.Provider = (*Provider)(nil)

const (
	dirEntryExport    = 0
	dirEntryException = 3

	// IMAGE_SCN_MEM_EXECUTE
	scnMemExecute = 0x20000000

	// COFF symbol classification.
	symClassExternal = 2
	symClassStatic   = 3
	symClassLabel    = 6
	symDTypeFunction = 2

	exportDirSize = 40
	maxNameLength = 4096
)

// Section describes one image section. Sections are image geometry, not
// symbols; they are reported here and stay out of the record stream.
type Section struct {
	Name        string
	RVA         uint32
	VirtualSize uint32
	RawSize     uint32
	Execute     bool
}

// Provider serves one parsed image. Like every debuginfo.Provider it is
// single-threaded; all indexes are frozen at load time.
type Provider struct {
	arch     arch.Arch
	binary   string
	sections []Section

	records  []debuginfo.Record
	byAddr   []debuginfo.Record
	byID     map[debuginfo.SymIndexID]debuginfo.Record
	children map[debuginfo.SymIndexID][]debuginfo.Record
}

// OpenFile parses the PE image at path.
func OpenFile(fs afero.Fs, path string, logger log.Logger) (*Provider, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %s", path)
	}
	defer f.Close()
	return Open(f, filepath.Base(path), logger)
}

// Open parses a PE image from r. The image is fully read and indexed before
// Open returns; the reader is not retained.
func Open(r io.ReaderAt, binary string, logger log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	start := time.Now()

	pf, err := pe.NewFile(r)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing image %s", binary)
	}
	a, err := arch.FromPEMachine(pf.FileHeader.Machine)
	if err != nil {
		return nil, err
	}

	ld := &loader{
		pf:     pf,
		arch:   a,
		logger: logger,
		names:  make(map[uint32]string),
		provider: &Provider{
			arch:     a,
			binary:   binary,
			byID:     make(map[debuginfo.SymIndexID]debuginfo.Record),
			children: make(map[debuginfo.SymIndexID][]debuginfo.Record),
		},
	}
	if err := ld.run(); err != nil {
		return nil, err
	}

	p := ld.provider
	p.byAddr = make([]debuginfo.Record, len(p.records))
	copy(p.byAddr, p.records)
	sort.SliceStable(p.byAddr, func(i, j int) bool { return p.byAddr[i].RVA < p.byAddr[j].RVA })

	level.Debug(logger).Log(
		"msg", "image parsed",
		"binary", binary,
		"arch", a,
		"sections", len(p.sections),
		"functions", ld.functions,
		"blocks", ld.blocks,
		"publics", ld.publics,
		"unresolved_unwind", ld.unresolvedUnwind,
		"orphan_chains", ld.orphanChains,
		"malformed_exports", ld.malformedExports,
		"elapsed", time.Since(start),
	)
	return p, nil
}

// loader carries the intermediate state of one Open call.
type loader struct {
	pf     *pe.File
	arch   arch.Arch
	logger log.Logger

	sections []sectionData
	provider *Provider
	nextID   debuginfo.SymIndexID

	// names maps normalized RVAs of code symbols to their first claimed
	// name, so exception-derived functions can be named.
	names map[uint32]string

	functions        int
	blocks           int
	publics          int
	unresolvedUnwind int
	orphanChains     int
	malformedExports int
}

type sectionData struct {
	Section
	raw []byte
}

func (ld *loader) run() error {
	if err := ld.loadSections(); err != nil {
		return err
	}
	coff := ld.collectCOFF()
	exports, err := ld.collectExports(coff)
	if err != nil {
		return err
	}
	if err := ld.emitExceptionRecords(); err != nil {
		return err
	}
	ld.emitPublics(coff)
	ld.emitPublics(exports)
	return nil
}

func (ld *loader) loadSections() error {
	for _, s := range ld.pf.Sections {
		raw, err := s.Data()
		if err != nil {
			return errors.Wrapf(err, "reading section %s", s.Name)
		}
		sec := sectionData{
			Section: Section{
				Name:        s.Name,
				RVA:         s.VirtualAddress,
				VirtualSize: s.VirtualSize,
				RawSize:     s.Size,
				Execute:     s.Characteristics&scnMemExecute != 0,
			},
			raw: raw,
		}
		ld.sections = append(ld.sections, sec)
		ld.provider.sections = append(ld.provider.sections, sec.Section)
	}
	return nil
}

// sectionFor returns the section whose loaded extent covers rva, nil if
// none does.
func (ld *loader) sectionFor(at uint32) *sectionData {
	for i := range ld.sections {
		s := &ld.sections[i]
		if at >= s.RVA && at < s.RVA+s.VirtualSize {
			return s
		}
	}
	return nil
}

func (ld *loader) readAt(at, n uint32) ([]byte, error) {
	s := ld.sectionFor(at)
	if s == nil {
		return nil, errors.Errorf("rva 0x%x outside any section", at)
	}
	off := at - s.RVA
	if uint64(off)+uint64(n) > uint64(len(s.raw)) {
		return nil, errors.Errorf("rva 0x%x: %d bytes beyond raw data of section %s", at, n, s.Name)
	}
	return s.raw[off : off+n], nil
}

func (ld *loader) cstringAt(at uint32) (string, error) {
	s := ld.sectionFor(at)
	if s == nil {
		return "", errors.Errorf("string rva 0x%x outside any section", at)
	}
	off := int(at - s.RVA)
	if off >= len(s.raw) {
		return "", errors.Errorf("string rva 0x%x beyond raw data of section %s", at, s.Name)
	}
	end := off + maxNameLength
	if end > len(s.raw) {
		end = len(s.raw)
	}
	i := bytes.IndexByte(s.raw[off:end], 0)
	if i < 0 {
		return "", errors.Errorf("string rva 0x%x not terminated", at)
	}
	return string(s.raw[off : off+i]), nil
}

func (ld *loader) dataDirectory(index int) (pe.DataDirectory, bool) {
	switch oh := ld.pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		return oh.DataDirectory[index], true
	case *pe.OptionalHeader64:
		return oh.DataDirectory[index], true
	}
	// Object files have no optional header.
	return pe.DataDirectory{}, false
}

// namedAddr is a name claim on an address, staged for public-record
// emission and for naming exception-derived functions.
type namedAddr struct {
	rawRVA uint32
	name   string
	kind   debuginfo.RecordKind
}

// collectCOFF walks the symbol table, registering names for code addresses
// and staging one public record per usable symbol.
func (ld *loader) collectCOFF() []namedAddr {
	var out []namedAddr
	for _, sym := range ld.pf.Symbols {
		if sym.SectionNumber <= 0 || int(sym.SectionNumber) > len(ld.sections) {
			continue
		}
		if sym.Name == "" {
			continue
		}
		sec := &ld.sections[sym.SectionNumber-1]
		if sym.Name == sec.Name {
			// Section-name symbols are geometry, not code or data.
			continue
		}
		switch sym.StorageClass {
		case symClassExternal, symClassStatic, symClassLabel:
		default:
			continue
		}

		raw := sec.RVA + sym.Value
		kind := debuginfo.KindPublic
		if sym.StorageClass == symClassLabel {
			kind = debuginfo.KindLabel
		}
		out = append(out, namedAddr{rawRVA: raw, name: sym.Name, kind: kind})

		if sym.Type>>4 == symDTypeFunction || sec.Execute {
			ld.claimName(raw, sym.Name)
		}
	}
	return out
}

// collectExports parses the export directory. Per-entry corruption is
// tolerated and counted; a corrupt directory header fails the load.
func (ld *loader) collectExports(already []namedAddr) ([]namedAddr, error) {
	dir, ok := ld.dataDirectory(dirEntryExport)
	if !ok || dir.VirtualAddress == 0 || dir.Size < exportDirSize {
		return nil, nil
	}
	raw, err := ld.readAt(dir.VirtualAddress, exportDirSize)
	if err != nil {
		return nil, errors.Wrap(err, "reading export directory")
	}
	numNames := binary.LittleEndian.Uint32(raw[24:])
	addrFuncs := binary.LittleEndian.Uint32(raw[28:])
	addrNames := binary.LittleEndian.Uint32(raw[32:])
	addrOrds := binary.LittleEndian.Uint32(raw[36:])

	seen := make(map[uint32]map[string]bool, len(already))
	for _, n := range already {
		if seen[n.rawRVA] == nil {
			seen[n.rawRVA] = make(map[string]bool)
		}
		seen[n.rawRVA][n.name] = true
	}

	var out []namedAddr
	for i := uint32(0); i < numNames; i++ {
		nameRVA, err := ld.readAt(addrNames+4*i, 4)
		if err != nil {
			ld.malformedExports++
			continue
		}
		name, err := ld.cstringAt(binary.LittleEndian.Uint32(nameRVA))
		if err != nil {
			ld.malformedExports++
			continue
		}
		ordRaw, err := ld.readAt(addrOrds+2*i, 2)
		if err != nil {
			ld.malformedExports++
			continue
		}
		ord := uint32(binary.LittleEndian.Uint16(ordRaw))
		fnRaw, err := ld.readAt(addrFuncs+4*ord, 4)
		if err != nil {
			ld.malformedExports++
			continue
		}
		fnRVA := binary.LittleEndian.Uint32(fnRaw)
		if fnRVA >= dir.VirtualAddress && fnRVA < dir.VirtualAddress+dir.Size {
			// Forwarder: the "address" is a name string inside the
			// export directory, not code in this image.
			continue
		}
		if seen[fnRVA][name] {
			continue
		}
		out = append(out, namedAddr{rawRVA: fnRVA, name: name, kind: debuginfo.KindPublic})
		ld.claimName(fnRVA, name)
	}
	return out, nil
}

// claimName records the first name claimed for a code address. Keys are
// normalized so a Thumb-encoded claimant and an even query agree.
func (ld *loader) claimName(rawRVA uint32, name string) {
	adjusted, err := arch.AdjustRVA(rawRVA, ld.arch)
	if err != nil {
		return
	}
	if _, taken := ld.names[adjusted]; !taken {
		ld.names[adjusted] = name
	}
}

func (ld *loader) emitExceptionRecords() error {
	dir, ok := ld.dataDirectory(dirEntryException)
	if !ok || dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil
	}
	pdata, err := ld.readAt(dir.VirtualAddress, dir.Size)
	if err != nil {
		return errors.Wrap(err, "reading exception directory")
	}
	entries, unresolved, err := parseExceptionDirectory(ld.arch, pdata, ld.readAt)
	if err != nil {
		return err
	}
	ld.unresolvedUnwind = unresolved

	ld.synthesizeLengths(entries)

	// Functions first so chained entries can resolve their primaries.
	owners := make(map[uint32]debuginfo.SymIndexID, len(entries))
	for _, e := range entries {
		if e.Chained {
			continue
		}
		begin, err := arch.FunctionStart(e.Begin, ld.arch)
		if err != nil {
			return err
		}
		if _, dup := owners[begin]; dup {
			continue
		}
		id := ld.emit(debuginfo.Record{
			Kind:   debuginfo.KindFunction,
			RVA:    e.Begin,
			Length: e.End - begin,
			Name:   ld.nameFor(begin),
		})
		owners[begin] = id
		ld.functions++
	}
	for _, e := range entries {
		if !e.Chained {
			continue
		}
		begin, err := arch.FunctionStart(e.Begin, ld.arch)
		if err != nil {
			return err
		}
		target, err := arch.FunctionStart(e.ChainTarget, ld.arch)
		if err != nil {
			return err
		}
		owner, ok := owners[target]
		if !ok {
			// A chain whose primary never registered: keep the bytes
			// attributed, as a function of their own.
			ld.orphanChains++
			ld.emit(debuginfo.Record{
				Kind:   debuginfo.KindFunction,
				RVA:    e.Begin,
				Length: e.End - begin,
				Name:   ld.nameFor(begin),
			})
			ld.functions++
			continue
		}
		ld.emit(debuginfo.Record{
			Kind:   debuginfo.KindBlock,
			RVA:    e.Begin,
			Length: e.End - begin,
			Parent: owner,
		})
		ld.blocks++
	}
	return nil
}

// synthesizeLengths fills in ends for formats that do not encode them,
// using the gap to the next entry, bounded by the containing section.
func (ld *loader) synthesizeLengths(entries []exceptionEntry) {
	missing := false
	for i := range entries {
		if entries[i].End == 0 {
			missing = true
			break
		}
	}
	if !missing {
		return
	}

	starts := make([]uint32, 0, len(entries))
	for _, e := range entries {
		begin, err := arch.FunctionStart(e.Begin, ld.arch)
		if err != nil {
			continue
		}
		starts = append(starts, begin)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })

	for i := range entries {
		if entries[i].End != 0 {
			continue
		}
		begin, err := arch.FunctionStart(entries[i].Begin, ld.arch)
		if err != nil {
			continue
		}
		j := sort.Search(len(starts), func(k int) bool { return starts[k] > begin })
		if j < len(starts) {
			entries[i].End = starts[j]
			continue
		}
		if s := ld.sectionFor(begin); s != nil {
			entries[i].End = s.RVA + s.VirtualSize
		} else {
			entries[i].End = begin
		}
	}
}

func (ld *loader) emitPublics(addrs []namedAddr) {
	for _, n := range addrs {
		ld.emit(debuginfo.Record{
			Kind: n.kind,
			RVA:  n.rawRVA,
			Name: n.name,
		})
		ld.publics++
	}
}

func (ld *loader) nameFor(adjusted uint32) string {
	if name, ok := ld.names[adjusted]; ok {
		return name
	}
	// Nothing in the image names this function. The synthetic name keeps
	// the bytes attributable and distinct per address.
	return fmt.Sprintf("fn_%08x", adjusted)
}

func (ld *loader) emit(rec debuginfo.Record) debuginfo.SymIndexID {
	ld.nextID++
	rec.ID = ld.nextID
	ld.provider.records = append(ld.provider.records, rec)
	ld.provider.byID[rec.ID] = rec
	if rec.Parent != 0 {
		ld.provider.children[rec.Parent] = append(ld.provider.children[rec.Parent], rec)
	}
	return rec.ID
}

// Binary is the image name as given to Open.
func (p *Provider) Binary() string { return p.binary }

// Sections lists the image sections in header order.
func (p *Provider) Sections() []Section {
	out := make([]Section, len(p.sections))
	copy(out, p.sections)
	return out
}

func (p *Provider) Architecture() (arch.Arch, error) {
	return p.arch, nil
}

func (p *Provider) Records(_ context.Context) iter.Iterator[debuginfo.Record] {
	return iter.NewSliceIterator(p.records)
}

func (p *Provider) RecordsByAddr(_ context.Context, fromRVA uint32) iter.Iterator[debuginfo.Record] {
	i := sort.Search(len(p.byAddr), func(i int) bool { return p.byAddr[i].RVA >= fromRVA })
	return iter.NewSliceIterator(p.byAddr[i:])
}

func (p *Provider) SymbolAtRVA(at uint32) (debuginfo.Record, bool, error) {
	i := sort.Search(len(p.byAddr), func(i int) bool { return p.byAddr[i].RVA >= at })
	if i == len(p.byAddr) || p.byAddr[i].RVA != at {
		return debuginfo.Record{}, false, nil
	}
	return p.byAddr[i], true, nil
}

func (p *Provider) NearestSymbolBefore(at uint32) (debuginfo.Record, error) {
	i := sort.Search(len(p.byAddr), func(i int) bool { return p.byAddr[i].RVA > at })
	if i == 0 {
		return debuginfo.Record{}, debuginfo.ErrNotFound
	}
	first := i - 1
	for first > 0 && p.byAddr[first-1].RVA == p.byAddr[i-1].RVA {
		first--
	}
	return p.byAddr[first], nil
}

func (p *Provider) RecordByID(id debuginfo.SymIndexID) (debuginfo.Record, error) {
	r, ok := p.byID[id]
	if !ok {
		return debuginfo.Record{}, debuginfo.ErrNotFound
	}
	return r, nil
}

// TypeByID always reports not-found: a bare image carries no type records.
func (p *Provider) TypeByID(debuginfo.TypeIndexID) (debuginfo.TypeRecord, error) {
	return debuginfo.TypeRecord{}, debuginfo.ErrNotFound
}

func (p *Provider) Children(id debuginfo.SymIndexID, kinds ...debuginfo.RecordKind) ([]debuginfo.Record, error) {
	all := p.children[id]
	if len(kinds) == 0 {
		out := make([]debuginfo.Record, len(all))
		copy(out, all)
		return out, nil
	}
	var out []debuginfo.Record
	for _, r := range all {
		for _, k := range kinds {
			if r.Kind == k {
				out = append(out, r)
				break
			}
		}
	}
	return out, nil
}

// InlineeLineRanges always reports not-found: inlining information needs
// debug files.
func (p *Provider) InlineeLineRanges(debuginfo.SymIndexID) ([]rva.Range, error) {
	return nil, debuginfo.ErrNotFound
}
