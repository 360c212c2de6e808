package symbols

import (
	"context"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/iter"
	"github.com/sizescope/sizescope/pkg/rva"
)

// FindByRVA answers "what owns this address". A canonicalized fold-point
// answers from the frozen table. Otherwise the provider is asked for an
// exact match and then, when allowNearest is set, for the nearest symbol
// starting at or before the address. The second result is false when
// nothing owns the address.
func (s *Session) FindByRVA(ctx context.Context, at uint32, allowNearest bool) (Symbol, bool, error) {
	if err := s.assertAffinity(); err != nil {
		return nil, false, err
	}
	timer := prometheus.NewTimer(s.metrics.lookupDuration.WithLabelValues("by_rva"))
	defer timer.ObserveDuration()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	adjusted, err := arch.AdjustRVA(at, s.arch)
	if err != nil {
		return nil, false, err
	}

	if fg, ok := s.folds[adjusted]; ok {
		sym, err := s.symbolForCandidate(ctx, fg.Canonical)
		if err != nil {
			return nil, false, translateMalformed(err)
		}
		return sym, true, nil
	}

	rec, ok, err := s.provider.SymbolAtRVA(adjusted)
	if err != nil {
		return nil, false, errors.Wrapf(err, "exact lookup at 0x%x", adjusted)
	}
	if ok {
		sym, err := s.symbolFromRecord(ctx, rec)
		if err != nil {
			return nil, false, translateMalformed(err)
		}
		return sym, true, nil
	}
	if !allowNearest {
		return nil, false, nil
	}

	rec, ok, err = s.nearestBefore(adjusted)
	if err != nil || !ok {
		return nil, false, err
	}
	sym, err := s.symbolFromRecord(ctx, rec)
	if err != nil {
		return nil, false, translateMalformed(err)
	}
	return sym, true, nil
}

// translateMalformed downgrades a per-record rejection to "not found"; the
// record was already logged and counted at the construction site.
func translateMalformed(err error) error {
	var malformed MalformedRecordError
	if errors.As(err, &malformed) {
		return nil
	}
	return err
}

// nearestBefore consults the provider for the nearest preceding symbol,
// caching results: nearest lookups are pure provider I/O, so unlike the
// identity caches an LRU is safe here.
func (s *Session) nearestBefore(at uint32) (debuginfo.Record, bool, error) {
	if rec, ok := s.nearest.Get(at); ok {
		s.metrics.nearestCache.WithLabelValues("hit").Inc()
		return rec, true, nil
	}
	s.metrics.nearestCache.WithLabelValues("miss").Inc()

	rec, err := s.provider.NearestSymbolBefore(at)
	if errors.Is(err, debuginfo.ErrNotFound) {
		return debuginfo.Record{}, false, nil
	}
	if err != nil {
		return debuginfo.Record{}, false, errors.Wrapf(err, "nearest lookup at 0x%x", at)
	}
	s.nearest.Add(at, rec)
	return rec, true, nil
}

func (s *Session) symbolForCandidate(ctx context.Context, cand Candidate) (Symbol, error) {
	rec, err := s.provider.RecordByID(cand.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving fold candidate %d", cand.ID)
	}
	return s.symbolFromRecord(ctx, rec)
}

// symbolFromRecord resolves a record to its attributed entity, creating it
// on first use. Block records resolve through their owning function;
// everything else builds a leaf entity.
func (s *Session) symbolFromRecord(ctx context.Context, r debuginfo.Record) (Symbol, error) {
	if cached, ok := s.symbols[r.ID]; ok {
		return cached, nil
	}
	switch r.Kind {
	case debuginfo.KindFunction:
		return s.functionFromRecord(ctx, r)
	case debuginfo.KindBlock:
		return s.blockSymbol(ctx, r)
	case debuginfo.KindInlineSite:
		return s.inlineSiteFromRecord(ctx, r)
	default:
		return s.leafFromRecord(r)
	}
}

// leafFromRecord builds the entity for a record with no nested structure.
func (s *Session) leafFromRecord(r debuginfo.Record) (Symbol, error) {
	adjusted, err := arch.AdjustRVA(r.RVA, s.arch)
	if err != nil {
		return nil, err
	}
	if _, rerr := newRange(adjusted, r.Length, r.VirtualOnly); rerr != nil {
		s.rejectRecord(r, "zero-crossing range")
		return nil, MalformedRecordError{ID: r.ID, Kind: r.Kind, Reason: "zero-crossing range"}
	}

	base := baseSymbol{
		id:          r.ID,
		name:        r.Name,
		rva:         adjusted,
		size:        r.Length,
		virtualOnly: r.VirtualOnly,
	}

	var sym Symbol
	switch r.Kind {
	case debuginfo.KindThunk:
		sym = &Thunk{baseSymbol: base}
	case debuginfo.KindData:
		d := &DataSymbol{baseSymbol: base, Data: r.Data}
		if r.Type != 0 {
			t, err := s.typeByID(r.Type, s.cfg.RecursionBudget)
			switch {
			case errors.Is(err, debuginfo.ErrNotFound):
				s.rejectRecord(r, "dangling type reference")
			case err != nil:
				return nil, err
			default:
				d.Type = t
			}
		}
		sym = d
	case debuginfo.KindPublic:
		sym = &PublicSymbol{baseSymbol: base}
	case debuginfo.KindStringLiteral:
		sym = &StringLiteral{baseSymbol: base}
	default:
		sym = &GenericSymbol{baseSymbol: base, kind: r.Kind}
	}

	s.cacheSymbol(sym)
	return sym, nil
}

// Attribution is one FindInRange result: a symbol inside the queried range
// and the running count of range bytes covered through that symbol's end.
type Attribution struct {
	Symbol          Symbol
	CumulativeBytes uint32
}

// FindInRange walks the symbols inside rng in ascending address order.
//
// Symbols entirely nested inside the previously yielded one are skipped
// (their bytes are already counted), and a symbol whose end exceeds the
// range end is excluded even though it starts in range. At a fold-point the
// canonical owner is yielded first, then the other folded identities,
// skipping names structurally identical to one already yielded there. Each
// carries the canonical owner's end for CumulativeBytes, since folded
// duplicates occupy no bytes of their own.
//
// The iterator is lazy and restartable: each call walks fresh from the
// range start, sharing no cursor state, and must be consumed on the
// session's owning goroutine.
func (s *Session) FindInRange(ctx context.Context, rng rva.Range) iter.Iterator[Attribution] {
	if err := s.assertAffinity(); err != nil {
		return iter.NewErrIterator[Attribution](err)
	}
	span, ctx := opentracing.StartSpanFromContext(ctx, "symbols.FindInRange")
	span.SetTag("start_rva", rng.Start).SetTag("length", rng.Length)
	return &rangeIterator{
		s:       s,
		ctx:     ctx,
		rng:     rng,
		records: s.provider.RecordsByAddr(ctx, rng.Start),
		span:    span,
		start:   time.Now(),
	}
}

type rangeIterator struct {
	s       *Session
	ctx     context.Context
	rng     rva.Range
	records iter.Iterator[debuginfo.Record]
	span    opentracing.Span
	start   time.Time

	queue     []Attribution
	cur       Attribution
	prevStart uint32
	prevEnd   uint32
	started   bool
	err       error
}

func (it *rangeIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if len(it.queue) > 0 {
		it.cur = it.queue[0]
		it.queue = it.queue[1:]
		return true
	}

	for it.records.Next() {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			return false
		}
		rec := it.records.At()
		adjusted, err := arch.AdjustRVA(rec.RVA, it.s.arch)
		if err != nil {
			it.err = err
			return false
		}
		if adjusted >= it.rng.End() {
			return false
		}
		if adjusted < it.rng.Start {
			continue
		}
		if rec.Kind == debuginfo.KindInlineSite || rec.Length == 0 {
			continue
		}
		if _, rerr := newRange(adjusted, rec.Length, rec.VirtualOnly); rerr != nil {
			it.s.rejectRecord(rec, "zero-crossing range")
			continue
		}
		if it.started && adjusted == it.prevStart {
			// Fold sibling; already covered by the queue.
			continue
		}
		if it.started && adjusted+rec.Length <= it.prevEnd {
			continue
		}

		if fg, ok := it.s.folds[adjusted]; ok {
			if it.yieldFoldPoint(fg) {
				return true
			}
			if it.err != nil {
				return false
			}
			continue
		}

		sym, err := it.s.symbolFromRecord(it.ctx, rec)
		if err != nil {
			if it.err = translateMalformed(err); it.err != nil {
				return false
			}
			continue
		}
		end := sym.RVA() + sym.Size()
		if end > it.rng.End() {
			continue
		}
		if it.started && end <= it.prevEnd {
			continue
		}
		it.yield(Attribution{Symbol: sym, CumulativeBytes: end - it.rng.Start}, adjusted, end)
		return true
	}

	it.err = errors.Wrap(it.records.Err(), "walking records by address")
	return false
}

// yieldFoldPoint emits the canonical owner of a fold group and queues the
// folded duplicates. Reports false when the whole group is excluded.
func (it *rangeIterator) yieldFoldPoint(fg *FoldGroup) bool {
	sym, err := it.s.symbolForCandidate(it.ctx, fg.Canonical)
	if err != nil {
		it.err = translateMalformed(err)
		return false
	}
	end := sym.RVA() + sym.Size()
	if end > it.rng.End() {
		return false
	}
	if it.started && end <= it.prevEnd {
		return false
	}
	cum := end - it.rng.Start

	yieldedNames := map[string]struct{}{sym.Name(): {}}
	for _, cand := range fg.Candidates {
		if cand.ID == sym.ID() {
			continue
		}
		if _, dup := yieldedNames[cand.Name]; dup {
			continue
		}
		dupSym, err := it.s.symbolForCandidate(it.ctx, cand)
		if err != nil {
			if it.err = translateMalformed(err); it.err != nil {
				return false
			}
			continue
		}
		yieldedNames[cand.Name] = struct{}{}
		it.queue = append(it.queue, Attribution{Symbol: dupSym, CumulativeBytes: cum})
	}

	it.yield(Attribution{Symbol: sym, CumulativeBytes: cum}, fg.RVA, end)
	return true
}

func (it *rangeIterator) yield(a Attribution, start, end uint32) {
	it.cur = a
	it.prevStart = start
	it.prevEnd = end
	it.started = true
}

func (it *rangeIterator) At() Attribution { return it.cur }

func (it *rangeIterator) Err() error { return it.err }

func (it *rangeIterator) Close() error {
	it.s.metrics.lookupDuration.WithLabelValues("in_range").Observe(time.Since(it.start).Seconds())
	it.span.Finish()
	return it.records.Close()
}
