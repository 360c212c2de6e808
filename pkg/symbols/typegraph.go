package symbols

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/sizescope/sizescope/pkg/debuginfo"
)

// TypeSym is one node of the type DAG. Wrapped nodes (a pointer's target,
// an array's element, a modified type's subject) are shared: multiple
// symbols and types may reference the same node. Nodes are immutable after
// construction and memoized by provider identity in the session cache.
type TypeSym struct {
	ID   debuginfo.TypeIndexID
	Kind debuginfo.TypeKind
	Size uint32

	// Target is the wrapped node: pointer target, array element, modified
	// subject, or enum underlying type. Nil where not applicable.
	Target *TypeSym
	// Return and Args are set for function types.
	Return *TypeSym
	Args   []*TypeSym
	// Counts holds array dimensions in declaration order, outermost first.
	Counts []uint32

	name string
}

// Name is the display name, rendered once at construction.
func (t *TypeSym) Name() string { return t.name }

// typeByID resolves the type node for id, building and memoizing it on
// first use. Construction is atomic: a node enters the cache only fully
// built, so a failed build leaves no trace. The budget bounds recursion
// through wrapped types; type graphs are acyclic by construction of the
// source format, so exhausting it means corrupt input.
func (s *Session) typeByID(id debuginfo.TypeIndexID, budget int) (*TypeSym, error) {
	if t, ok := s.types[id]; ok {
		return t, nil
	}
	if budget <= 0 {
		return nil, InternalConsistencyError{
			Kind:   "type graph",
			Detail: fmt.Sprintf("recursion budget exhausted at type %d", id),
		}
	}

	rec, err := s.provider.TypeByID(id)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving type %d", id)
	}

	t := &TypeSym{ID: id, Kind: rec.Kind, Size: rec.Size}
	switch rec.Kind {
	case debuginfo.TypeBasic:
		t.name, err = basicTypeName(rec.Ordinal, rec.Size)
		if err != nil {
			return nil, err
		}

	case debuginfo.TypePointer:
		if rec.Target == 0 {
			return nil, InternalConsistencyError{Kind: "pointer type", Detail: fmt.Sprintf("type %d has no target", id)}
		}
		t.Target, err = s.typeByID(rec.Target, budget-1)
		if err != nil {
			return nil, err
		}
		t.name = pointerName(t.Target.Name(), rec.Reference, rec.Const, rec.Volatile, rec.Unaligned)

	case debuginfo.TypeArray:
		if err := s.buildArray(t, rec, budget); err != nil {
			return nil, err
		}

	case debuginfo.TypeFunction:
		if err := s.buildFunctionType(t, rec, budget); err != nil {
			return nil, err
		}

	case debuginfo.TypeUDT:
		t.name = rec.Name

	case debuginfo.TypeEnum:
		if rec.Target != 0 {
			t.Target, err = s.typeByID(rec.Target, budget-1)
			if err != nil {
				return nil, err
			}
		}
		t.name = rec.Name

	case debuginfo.TypeModified:
		if rec.Target == 0 {
			return nil, InternalConsistencyError{Kind: "modified type", Detail: fmt.Sprintf("type %d has no target", id)}
		}
		t.Target, err = s.typeByID(rec.Target, budget-1)
		if err != nil {
			return nil, err
		}
		t.name = modifierPrefix(rec.Const, rec.Volatile, rec.Unaligned) + t.Target.Name()

	case debuginfo.TypeCustom:
		t.name = rec.Name

	default:
		return nil, InternalConsistencyError{
			Kind:   "type graph",
			Detail: fmt.Sprintf("unexpected kind %s for type %d", rec.Kind, id),
		}
	}

	s.types[id] = t
	s.metrics.typesBuilt.Inc()
	s.typesBuiltCount.Inc()
	return t, nil
}

func sortTypeSyms(types []*TypeSym) {
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
}

// buildArray flattens a (possibly multi-dimensional) array chain. The
// source format nests the innermost dimension first, so the dimensions
// collected walking inward are reversed for declaration-order display.
func (s *Session) buildArray(t *TypeSym, rec debuginfo.TypeRecord, budget int) error {
	var counts []uint32
	cur := rec
	for {
		counts = append(counts, cur.Count)
		if cur.Target == 0 {
			return InternalConsistencyError{Kind: "array type", Detail: fmt.Sprintf("type %d has no element", cur.ID)}
		}
		next, err := s.provider.TypeByID(cur.Target)
		if err != nil {
			return errors.Wrapf(err, "resolving array element %d", cur.Target)
		}
		if next.Kind != debuginfo.TypeArray {
			break
		}
		if len(counts) >= budget {
			return InternalConsistencyError{Kind: "array type", Detail: fmt.Sprintf("dimension budget exhausted at type %d", cur.ID)}
		}
		cur = next
	}

	element, err := s.typeByID(cur.Target, budget-1)
	if err != nil {
		return err
	}

	for i, j := 0, len(counts)-1; i < j; i, j = i+1, j-1 {
		counts[i], counts[j] = counts[j], counts[i]
	}
	t.Target = element
	t.Counts = counts
	t.name = arrayName(element.Name(), counts)
	return nil
}

func (s *Session) buildFunctionType(t *TypeSym, rec debuginfo.TypeRecord, budget int) error {
	ret := "void"
	if rec.ReturnType != 0 {
		r, err := s.typeByID(rec.ReturnType, budget-1)
		if err != nil {
			return err
		}
		t.Return = r
		ret = r.Name()
	}

	args := make([]string, 0, len(rec.Args))
	for _, argID := range rec.Args {
		a, err := s.typeByID(argID, budget-1)
		if err != nil {
			return err
		}
		t.Args = append(t.Args, a)
		args = append(args, a.Name())
	}

	cons, volatile, unaligned, err := s.thisQualifiers(rec.ObjectPointer)
	if err != nil {
		return err
	}
	t.name = functionTypeName(ret, args, cons, volatile, unaligned)
	return nil
}

// thisQualifiers derives a member function's trailing qualifiers from the
// implicit object pointer: the qualifiers live on the pointer's target
// type, not on the function type itself.
func (s *Session) thisQualifiers(objectPointer debuginfo.TypeIndexID) (cons, volatile, unaligned bool, err error) {
	if objectPointer == 0 {
		return false, false, false, nil
	}
	op, err := s.provider.TypeByID(objectPointer)
	if err != nil {
		return false, false, false, errors.Wrapf(err, "resolving object pointer %d", objectPointer)
	}
	if op.Kind != debuginfo.TypePointer || op.Target == 0 {
		return false, false, false, nil
	}
	target, err := s.provider.TypeByID(op.Target)
	if err != nil {
		return false, false, false, errors.Wrapf(err, "resolving object pointer target %d", op.Target)
	}
	if target.Kind != debuginfo.TypeModified {
		return false, false, false, nil
	}
	return target.Const, target.Volatile, target.Unaligned, nil
}
