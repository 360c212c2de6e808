// Package replay reads symbol dumps: newline-delimited JSON captures of a
// binary's debug information, replayable on any platform without the
// original toolchain or debug files. Dumps may be gzip-compressed;
// decompression is transparent.
package replay

import (
	"bufio"
	"context"
	"io"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/iter"
	"github.com/sizescope/sizescope/pkg/rva"
)

var _ debuginfo.Provider = (*Provider)(nil)

// Provider serves a fully loaded dump. Like every debuginfo.Provider it is
// single-threaded; all indexes are frozen at load time.
type Provider struct {
	arch   arch.Arch
	binary string

	records  []debuginfo.Record
	byAddr   []debuginfo.Record
	byID     map[debuginfo.SymIndexID]debuginfo.Record
	children map[debuginfo.SymIndexID][]debuginfo.Record
	types    map[debuginfo.TypeIndexID]debuginfo.TypeRecord
	inlinee  map[debuginfo.SymIndexID][]rva.Range
}

// OpenFile loads a dump from the filesystem, decompressing .gz content
// transparently.
func OpenFile(fs afero.Fs, path string, logger log.Logger) (*Provider, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening dump %s", path)
	}
	defer f.Close()
	return Open(f, logger)
}

// Open loads a dump from r. The whole dump is read and indexed before Open
// returns; the reader is not retained.
func Open(r io.Reader, logger log.Logger) (*Provider, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	start := time.Now()

	br := bufio.NewReader(r)
	plain, err := maybeGunzip(br)
	if err != nil {
		return nil, err
	}

	p := &Provider{
		byID:     make(map[debuginfo.SymIndexID]debuginfo.Record),
		children: make(map[debuginfo.SymIndexID][]debuginfo.Record),
		types:    make(map[debuginfo.TypeIndexID]debuginfo.TypeRecord),
		inlinee:  make(map[debuginfo.SymIndexID][]rva.Range),
	}

	dec := json.NewDecoder(plain)
	var skipped int
	var sawHeader bool
	for n := 0; ; n++ {
		var l line
		if err := dec.Decode(&l); err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrapf(err, "decoding dump value %d", n)
		}

		if n == 0 {
			if l.Header == nil {
				return nil, errors.New("replay: dump does not start with a header")
			}
			if err := l.Header.validate(); err != nil {
				return nil, err
			}
			a, err := arch.Parse(l.Header.Arch)
			if err != nil {
				return nil, err
			}
			p.arch = a
			p.binary = l.Header.Binary
			sawHeader = true
			continue
		}

		switch {
		case l.Sym != nil:
			rec := l.Sym.record()
			if _, dup := p.byID[rec.ID]; dup {
				return nil, errors.Errorf("replay: duplicate symbol identity %d at value %d", rec.ID, n)
			}
			p.records = append(p.records, rec)
			p.byID[rec.ID] = rec
			if rec.Parent != 0 {
				p.children[rec.Parent] = append(p.children[rec.Parent], rec)
			}
		case l.Type != nil:
			rec := l.Type.record()
			if _, dup := p.types[rec.ID]; dup {
				return nil, errors.Errorf("replay: duplicate type identity %d at value %d", rec.ID, n)
			}
			p.types[rec.ID] = rec
		case l.Lines != nil:
			p.inlinee[debuginfo.SymIndexID(l.Lines.Sym)] = l.Lines.ranges()
		default:
			// Value from a newer producer; readable dumps stay readable.
			skipped++
		}
	}
	if !sawHeader {
		return nil, errors.New("replay: empty dump")
	}

	// Inline sites have no address of their own (their location lives in
	// the line ranges), so they stay out of the address index.
	p.byAddr = make([]debuginfo.Record, 0, len(p.records))
	for _, rec := range p.records {
		if rec.Kind == debuginfo.KindInlineSite {
			continue
		}
		p.byAddr = append(p.byAddr, rec)
	}
	sort.SliceStable(p.byAddr, func(i, j int) bool { return p.byAddr[i].RVA < p.byAddr[j].RVA })

	level.Debug(logger).Log(
		"msg", "replay dump loaded",
		"binary", p.binary,
		"arch", p.arch,
		"symbols", len(p.records),
		"types", len(p.types),
		"skipped", skipped,
		"elapsed", time.Since(start),
	)
	return p, nil
}

// maybeGunzip peeks at the stream magic and interposes a gzip reader when
// the dump is compressed.
func maybeGunzip(br *bufio.Reader) (io.Reader, error) {
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "reading dump magic")
	}
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, errors.Wrap(err, "opening gzip stream")
		}
		return gz, nil
	}
	return br, nil
}

// Binary is the dump's recorded binary name, "" when the capture had none.
func (p *Provider) Binary() string { return p.binary }

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
	// The stable address sort keeps equal-RVA runs in dump order, so this
	// is the first record the producer emitted at the address.
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

func (p *Provider) TypeByID(id debuginfo.TypeIndexID) (debuginfo.TypeRecord, error) {
	t, ok := p.types[id]
	if !ok {
		return debuginfo.TypeRecord{}, debuginfo.ErrNotFound
	}
	return t, nil
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

func (p *Provider) InlineeLineRanges(id debuginfo.SymIndexID) ([]rva.Range, error) {
	ranges, ok := p.inlinee[id]
	if !ok {
		return nil, debuginfo.ErrNotFound
	}
	return ranges, nil
}
