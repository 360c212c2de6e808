package symbols

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/rva"
)

// InlineSites enumerates the inline expansions attributed to f, walking the
// function's lexical tree including nested and separated blocks. Sites are
// returned in ascending address order.
func (s *Session) InlineSites(ctx context.Context, f *Function) ([]*InlineSite, error) {
	if err := s.assertAffinity(); err != nil {
		return nil, err
	}
	sites, err := s.collectInlineSites(ctx, f.ID(), s.cfg.RecursionBudget)
	if err != nil {
		return nil, err
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].RVA() < sites[j].RVA() })
	return sites, nil
}

func (s *Session) collectInlineSites(ctx context.Context, parent debuginfo.SymIndexID, budget int) ([]*InlineSite, error) {
	if budget <= 0 {
		return nil, InternalConsistencyError{
			ID:     parent,
			Kind:   "inline walk",
			Detail: "recursion budget exhausted",
		}
	}
	children, err := s.provider.Children(parent, debuginfo.KindInlineSite, debuginfo.KindBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "listing inline sites of %d", parent)
	}

	var out []*InlineSite
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch child.Kind {
		case debuginfo.KindInlineSite:
			site, err := s.inlineSiteFromRecord(ctx, child)
			if err != nil {
				return nil, err
			}
			out = append(out, site)
			// Inline sites nest when an inlined body inlines further.
			nested, err := s.collectInlineSites(ctx, child.ID, budget-1)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		case debuginfo.KindBlock:
			nested, err := s.collectInlineSites(ctx, child.ID, budget-1)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	return out, nil
}

// inlineSiteFromRecord builds the entity for one inline-site record. A site
// has no intrinsic length: its size is the coalesced length of the line
// ranges the compiler attributed to the expansion, merged with the
// configured gap tolerance. This is an approximation and reported as such;
// true post-inlining cost is not recoverable from the available data.
func (s *Session) inlineSiteFromRecord(ctx context.Context, r debuginfo.Record) (*InlineSite, error) {
	if cached, ok := s.symbols[r.ID]; ok {
		site, ok := cached.(*InlineSite)
		if !ok {
			return nil, InternalConsistencyError{
				ID:     r.ID,
				Kind:   "inline site",
				Detail: fmt.Sprintf("identity already cached as %s", cached.SymKind()),
			}
		}
		return site, nil
	}

	host, err := s.inlineHost(ctx, r)
	if err != nil {
		return nil, err
	}
	canonicalOwner := host.Name()
	if fg, ok := s.folds[host.RVA()]; ok {
		canonicalOwner = fg.Canonical.Name
	}

	raw, err := s.provider.InlineeLineRanges(r.ID)
	if errors.Is(err, debuginfo.ErrNotFound) {
		// Fully folded expansion with no surviving line info.
		raw = nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "resolving line ranges of inline site %d", r.ID)
	}

	normalized := make([]rva.Range, 0, len(raw))
	for _, lr := range raw {
		adjusted, err := arch.AdjustRVA(lr.Start, s.arch)
		if err != nil {
			return nil, err
		}
		nr, rerr := newRange(adjusted, lr.Length, lr.VirtualOnly)
		if rerr != nil {
			s.rejectRecord(r, fmt.Sprintf("zero-crossing line range at 0x%x", lr.Start))
			continue
		}
		normalized = append(normalized, nr)
	}
	coalesced := rva.CoalesceWithGap(normalized, s.cfg.InlineGapTolerance)

	var siteRVA, size uint32
	if len(coalesced) > 0 {
		siteRVA = coalesced[0].Start
	}
	for _, cr := range coalesced {
		size += cr.Length
	}

	site := &InlineSite{
		baseSymbol: baseSymbol{
			id:   r.ID,
			name: r.Name,
			rva:  siteRVA,
			size: size,
		},
		InlinedInto:        host,
		CanonicalOwnerName: canonicalOwner,
		Ranges:             coalesced,
	}
	s.cacheSymbol(site)
	return site, nil
}

// inlineHost walks the lexical-parent chain to the block or function the
// site was expanded into.
func (s *Session) inlineHost(ctx context.Context, r debuginfo.Record) (Symbol, error) {
	cur := r
	for budget := s.cfg.RecursionBudget; budget > 0; budget-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cur.Parent == 0 {
			return nil, InternalConsistencyError{
				ID:     r.ID,
				Kind:   "inline site",
				Detail: "no block or function ancestor in lexical-parent chain",
			}
		}
		parent, err := s.provider.RecordByID(cur.Parent)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving lexical parent %d", cur.Parent)
		}
		switch parent.Kind {
		case debuginfo.KindFunction:
			return s.functionFromRecord(ctx, parent)
		case debuginfo.KindBlock:
			return s.blockSymbol(ctx, parent)
		}
		cur = parent
	}
	return nil, InternalConsistencyError{
		ID:     r.ID,
		Kind:   "inline site",
		Detail: "recursion budget exhausted walking lexical parents",
	}
}
