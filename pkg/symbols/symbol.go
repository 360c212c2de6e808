package symbols

import (
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/rva"
)

// SymbolKind classifies a constructed symbol entity.
type SymbolKind uint8

const (
	SymGeneric SymbolKind = iota
	SymFunction
	SymBlock
	SymThunk
	SymStaticData
	SymMemberData
	SymParameter
	SymPublic
	SymString
	SymInlineSite
)

func (k SymbolKind) String() string {
	switch k {
	case SymFunction:
		return "function"
	case SymBlock:
		return "block"
	case SymThunk:
		return "thunk"
	case SymStaticData:
		return "static data"
	case SymMemberData:
		return "member data"
	case SymParameter:
		return "parameter"
	case SymPublic:
		return "public"
	case SymString:
		return "string"
	case SymInlineSite:
		return "inline site"
	default:
		return "symbol"
	}
}

// Symbol is one attributed entity: a named owner of bytes in the binary.
// Symbols are owned by their session's identity-keyed table; for one
// identity at most one instance exists per session.
type Symbol interface {
	Name() string
	RVA() uint32
	Size() uint32
	VirtualSizeOnly() bool
	ID() debuginfo.SymIndexID
	SymKind() SymbolKind
}

type baseSymbol struct {
	id          debuginfo.SymIndexID
	name        string
	rva         uint32
	size        uint32
	virtualOnly bool
}

func (s *baseSymbol) Name() string             { return s.name }
func (s *baseSymbol) RVA() uint32              { return s.rva }
func (s *baseSymbol) Size() uint32             { return s.size }
func (s *baseSymbol) VirtualSizeOnly() bool    { return s.virtualOnly }
func (s *baseSymbol) ID() debuginfo.SymIndexID { return s.id }

func (s *baseSymbol) rng() rva.Range {
	return rva.Range{Start: s.rva, Length: s.size, VirtualOnly: s.virtualOnly}
}

// Function is a code symbol: Simple when all its bytes are contiguous,
// Complex when the compiler emitted separated (cold) blocks elsewhere.
// Size covers the primary block only; FullSize includes separated blocks.
type Function struct {
	baseSymbol
	// SeparatedBlocks are the function's out-of-line blocks in ascending
	// RVA order. Empty for a simple function.
	SeparatedBlocks []*CodeBlock
	// Type is the function's type node, nil when the provider has none.
	Type *TypeSym
}

func (f *Function) SymKind() SymbolKind { return SymFunction }

// Complex reports whether the function has separated blocks.
func (f *Function) Complex() bool { return len(f.SeparatedBlocks) > 0 }

// FullSize is the byte count across the primary and all separated blocks.
func (f *Function) FullSize() uint64 {
	total := uint64(f.size)
	for _, b := range f.SeparatedBlocks {
		total += uint64(b.Size())
	}
	return total
}

// PrimaryRange is the contiguous range of the primary block.
func (f *Function) PrimaryRange() rva.Range { return f.rng() }

// CodeBlock is a contiguous run of code. A separated block lives outside
// its owning function's primary range and is attributed on its own; a
// primary block is represented by the Function itself.
type CodeBlock struct {
	baseSymbol
	// Owner is the function this block belongs to.
	Owner *Function
}

func (b *CodeBlock) SymKind() SymbolKind { return SymBlock }

// Thunk is a small forwarding stub (import thunk, vtable adjustor, ...).
type Thunk struct {
	baseSymbol
}

func (t *Thunk) SymKind() SymbolKind { return SymThunk }

// DataSymbol is a data object: static/global storage, a class member with
// storage, or a parameter record surfaced by the provider.
type DataSymbol struct {
	baseSymbol
	Data debuginfo.DataKind
	// Type is the data's type node, nil when untyped.
	Type *TypeSym
}

func (d *DataSymbol) SymKind() SymbolKind {
	switch d.Data {
	case debuginfo.DataMember:
		return SymMemberData
	case debuginfo.DataParam:
		return SymParameter
	default:
		return SymStaticData
	}
}

// PublicSymbol is a linker public: name plus address, decoration artifacts
// and all. Canonicalization prefers any other kind over these.
type PublicSymbol struct {
	baseSymbol
}

func (p *PublicSymbol) SymKind() SymbolKind { return SymPublic }

// StringLiteral is a read-only string constant.
type StringLiteral struct {
	baseSymbol
}

func (s *StringLiteral) SymKind() SymbolKind { return SymString }

// InlineSite is a call the compiler expanded in place. It has no intrinsic
// length; Size is the coalesced length of the line ranges attributed to the
// expansion, an explicit approximation.
type InlineSite struct {
	baseSymbol
	// InlinedInto is the symbol hosting the expanded bytes.
	InlinedInto Symbol
	// CanonicalOwnerName is the canonical name at the host's address,
	// which differs from the host's own name when folding occurred there.
	CanonicalOwnerName string
	// Ranges are the coalesced line ranges backing Size.
	Ranges []rva.Range
}

func (i *InlineSite) SymKind() SymbolKind { return SymInlineSite }

// GenericSymbol covers record kinds with no richer model (labels, section
// metadata, unknown kinds from newer producers).
type GenericSymbol struct {
	baseSymbol
	kind debuginfo.RecordKind
}

func (g *GenericSymbol) SymKind() SymbolKind { return SymGeneric }
