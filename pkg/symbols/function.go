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

// functionFromRecord is the only construction site for Function and
// CodeBlock entities. It builds the function, discovers its separated
// blocks, and caches everything together once fully constructed; on any
// failure nothing is cached.
func (s *Session) functionFromRecord(ctx context.Context, r debuginfo.Record) (*Function, error) {
	if cached, ok := s.symbols[r.ID]; ok {
		f, ok := cached.(*Function)
		if !ok {
			return nil, InternalConsistencyError{
				ID:     r.ID,
				Kind:   "function",
				Detail: fmt.Sprintf("identity already cached as %s", cached.SymKind()),
			}
		}
		return f, nil
	}

	adjusted, err := arch.AdjustRVA(r.RVA, s.arch)
	if err != nil {
		return nil, err
	}
	primary, err := newRange(adjusted, r.Length, r.VirtualOnly)
	if err != nil {
		s.rejectRecord(r, "zero-crossing range")
		return nil, MalformedRecordError{ID: r.ID, Kind: r.Kind, Reason: "zero-crossing range"}
	}

	f := &Function{
		baseSymbol: baseSymbol{
			id:          r.ID,
			name:        r.Name,
			rva:         adjusted,
			size:        r.Length,
			virtualOnly: r.VirtualOnly,
		},
	}
	if r.Type != 0 {
		t, err := s.typeByID(r.Type, s.cfg.RecursionBudget)
		switch {
		case errors.Is(err, debuginfo.ErrNotFound):
			s.rejectRecord(r, "dangling type reference")
		case err != nil:
			return nil, err
		default:
			f.Type = t
		}
	}

	blocks, err := s.discoverBlocks(ctx, f, r.ID, primary, s.cfg.RecursionBudget)
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].RVA() < blocks[j].RVA() })
	f.SeparatedBlocks = blocks

	s.cacheSymbol(f)
	for _, b := range blocks {
		s.cacheSymbol(b)
	}
	return f, nil
}

// discoverBlocks walks the nested block records under parent. Blocks lying
// fully inside the primary range fold away (their bytes are already
// counted); blocks outside become separated-block entities owned by f.
// Nested blocks are walked regardless: a lexical block inside the primary
// can still host a separated child.
func (s *Session) discoverBlocks(ctx context.Context, f *Function, parent debuginfo.SymIndexID, primary rva.Range, budget int) ([]*CodeBlock, error) {
	if budget <= 0 {
		return nil, InternalConsistencyError{
			ID:     parent,
			Kind:   "block walk",
			Detail: "recursion budget exhausted",
		}
	}
	children, err := s.provider.Children(parent, debuginfo.KindBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "listing blocks of %d", parent)
	}

	var out []*CodeBlock
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		adjusted, err := arch.AdjustRVA(child.RVA, s.arch)
		if err != nil {
			return nil, err
		}
		if _, rerr := newRange(adjusted, child.Length, child.VirtualOnly); rerr != nil {
			s.rejectRecord(child, "zero-crossing range")
			continue
		}

		if !primary.ContainsRange(adjusted, child.Length) {
			out = append(out, &CodeBlock{
				baseSymbol: baseSymbol{
					id:          child.ID,
					name:        blockName(child, f),
					rva:         adjusted,
					size:        child.Length,
					virtualOnly: child.VirtualOnly,
				},
				Owner: f,
			})
		}

		nested, err := s.discoverBlocks(ctx, f, child.ID, primary, budget-1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

func blockName(r debuginfo.Record, owner *Function) string {
	if r.Name != "" {
		return r.Name
	}
	return fmt.Sprintf("block of code in %s", owner.Name())
}

// ownerFunction walks the lexical-parent chain of a block-like record
// until a function ancestor is found. A chain with no function ancestor is
// structurally impossible input.
func (s *Session) ownerFunction(ctx context.Context, r debuginfo.Record) (*Function, error) {
	cur := r
	for budget := s.cfg.RecursionBudget; budget > 0; budget-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cur.Parent == 0 {
			return nil, InternalConsistencyError{
				ID:     r.ID,
				Kind:   cur.Kind.String(),
				Detail: "no function ancestor in lexical-parent chain",
			}
		}
		parent, err := s.provider.RecordByID(cur.Parent)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving lexical parent %d", cur.Parent)
		}
		if parent.Kind == debuginfo.KindFunction {
			return s.functionFromRecord(ctx, parent)
		}
		cur = parent
	}
	return nil, InternalConsistencyError{
		ID:     r.ID,
		Kind:   r.Kind.String(),
		Detail: "recursion budget exhausted walking lexical parents",
	}
}

// blockSymbol resolves a block record to its attributed entity: the owning
// function when the block folds into the primary range, the separated-block
// entity otherwise. Building the owner constructs all its separated blocks,
// so a separated block missing from the cache afterwards means the
// provider's child listing and parent chain disagree.
func (s *Session) blockSymbol(ctx context.Context, r debuginfo.Record) (Symbol, error) {
	owner, err := s.ownerFunction(ctx, r)
	if err != nil {
		return nil, err
	}
	adjusted, err := arch.AdjustRVA(r.RVA, s.arch)
	if err != nil {
		return nil, err
	}
	if owner.PrimaryRange().ContainsRange(adjusted, r.Length) {
		return owner, nil
	}
	cached, ok := s.symbols[r.ID]
	if !ok {
		return nil, InternalConsistencyError{
			ID:     r.ID,
			Kind:   "block",
			Detail: fmt.Sprintf("separated block not discovered while building function %d", owner.ID()),
		}
	}
	return cached, nil
}

func (s *Session) cacheSymbol(sym Symbol) {
	s.symbols[sym.ID()] = sym
	s.symbolsBuilt.Inc()
	s.metrics.symbolsBuilt.Inc()
}

func sortFunctions(functions []*Function) {
	sort.Slice(functions, func(i, j int) bool {
		if functions[i].RVA() != functions[j].RVA() {
			return functions[i].RVA() < functions[j].RVA()
		}
		return functions[i].ID() < functions[j].ID()
	})
}

// newRange validates record geometry, honoring the virtual-only flag.
func newRange(start, length uint32, virtualOnly bool) (rva.Range, error) {
	if virtualOnly {
		return rva.NewVirtual(start, length)
	}
	return rva.New(start, length)
}
