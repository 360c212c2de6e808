// Package debuginfotest provides an in-memory Provider for package tests.
// Records are registered up front; the fake serves them with the stable
// ordering guarantees the real providers promise.
package debuginfotest

import (
	"context"
	"sort"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/iter"
	"github.com/sizescope/sizescope/pkg/rva"
)

var _ debuginfo.Provider = (*Provider)(nil)

type Provider struct {
	arch    arch.Arch
	records []debuginfo.Record
	byID    map[debuginfo.SymIndexID]debuginfo.Record
	types   map[debuginfo.TypeIndexID]debuginfo.TypeRecord
	inlinee map[debuginfo.SymIndexID][]rva.Range

	// NearestCalls counts NearestSymbolBefore invocations so tests can
	// assert on lookup caching.
	NearestCalls int
}

func NewProvider(a arch.Arch) *Provider {
	return &Provider{
		arch:    a,
		byID:    make(map[debuginfo.SymIndexID]debuginfo.Record),
		types:   make(map[debuginfo.TypeIndexID]debuginfo.TypeRecord),
		inlinee: make(map[debuginfo.SymIndexID][]rva.Range),
	}
}

// Add registers records in provider order. Re-adding an identity replaces
// the stored record but keeps the original position.
func (p *Provider) Add(records ...debuginfo.Record) *Provider {
	for _, r := range records {
		if _, seen := p.byID[r.ID]; seen {
			for i := range p.records {
				if p.records[i].ID == r.ID {
					p.records[i] = r
					break
				}
			}
		} else {
			p.records = append(p.records, r)
		}
		p.byID[r.ID] = r
	}
	return p
}

func (p *Provider) AddType(types ...debuginfo.TypeRecord) *Provider {
	for _, t := range types {
		p.types[t.ID] = t
	}
	return p
}

func (p *Provider) SetInlineeRanges(id debuginfo.SymIndexID, ranges ...rva.Range) *Provider {
	p.inlinee[id] = ranges
	return p
}

func (p *Provider) Architecture() (arch.Arch, error) {
	return p.arch, nil
}

func (p *Provider) Records(_ context.Context) iter.Iterator[debuginfo.Record] {
	out := make([]debuginfo.Record, len(p.records))
	copy(out, p.records)
	return iter.NewSliceIterator(out)
}

func (p *Provider) RecordsByAddr(_ context.Context, fromRVA uint32) iter.Iterator[debuginfo.Record] {
	sorted := p.sortedByAddr()
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].RVA >= fromRVA })
	return iter.NewSliceIterator(sorted[i:])
}

func (p *Provider) SymbolAtRVA(at uint32) (debuginfo.Record, bool, error) {
	for _, r := range p.records {
		if r.Kind == debuginfo.KindInlineSite {
			continue
		}
		if r.RVA == at {
			return r, true, nil
		}
	}
	return debuginfo.Record{}, false, nil
}

func (p *Provider) NearestSymbolBefore(at uint32) (debuginfo.Record, error) {
	p.NearestCalls++
	sorted := p.sortedByAddr()
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i].RVA > at })
	if i == 0 {
		return debuginfo.Record{}, debuginfo.ErrNotFound
	}
	// Among records sharing the greatest start <= at, answer with the
	// earliest in provider order, like a real index would.
	first := i - 1
	for first > 0 && sorted[first-1].RVA == sorted[i-1].RVA {
		first--
	}
	return sorted[first], nil
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
	var out []debuginfo.Record
	for _, r := range p.records {
		if r.Parent != id {
			continue
		}
		if len(kinds) > 0 && !kindIn(r.Kind, kinds) {
			continue
		}
		out = append(out, r)
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

// sortedByAddr is the address index: stable-sorted, without inline sites,
// which carry no address of their own.
func (p *Provider) sortedByAddr() []debuginfo.Record {
	sorted := make([]debuginfo.Record, 0, len(p.records))
	for _, r := range p.records {
		if r.Kind == debuginfo.KindInlineSite {
			continue
		}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RVA < sorted[j].RVA })
	return sorted
}

func kindIn(k debuginfo.RecordKind, kinds []debuginfo.RecordKind) bool {
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
