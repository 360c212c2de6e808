// Package debuginfo defines the contract between the attribution engine and
// a debug-information source. A provider exposes the raw, unordered symbol
// and type records of one binary; the engine (pkg/symbols) turns them into
// canonical, deduplicated size attribution.
//
// Providers are plain data access: no caching discipline, no
// canonicalization, no address normalization is expected of them. They must,
// however, enumerate records in a stable order across calls and runs for the
// same binary; canonical-name tie-breaking depends on it.
package debuginfo

import (
	"context"

	"github.com/pkg/errors"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/iter"
	"github.com/sizescope/sizescope/pkg/rva"
)

// SymIndexID is a provider-stable identity for one symbol record. Zero is
// reserved and never identifies a record.
type SymIndexID uint32

// TypeIndexID is a provider-stable identity for one type record. Zero means
// "no type".
type TypeIndexID uint32

// ErrNotFound is returned by the by-identity and nearest lookups when no
// record matches.
var ErrNotFound = errors.New("debuginfo: not found")

// RecordKind classifies a raw symbol record.
type RecordKind uint8

const (
	KindUnknown RecordKind = iota
	KindFunction
	KindBlock
	KindThunk
	KindData
	KindPublic
	KindStringLiteral
	KindInlineSite
	KindLabel
	KindSection
)

var recordKindNames = map[RecordKind]string{
	KindUnknown:       "unknown",
	KindFunction:      "function",
	KindBlock:         "block",
	KindThunk:         "thunk",
	KindData:          "data",
	KindPublic:        "public",
	KindStringLiteral: "string",
	KindInlineSite:    "inline_site",
	KindLabel:         "label",
	KindSection:       "section",
}

func (k RecordKind) String() string {
	if s, ok := recordKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// ParseRecordKind is the inverse of String. Unrecognized names map to
// KindUnknown without error: record dumps may come from newer producers.
func ParseRecordKind(s string) RecordKind {
	for k, name := range recordKindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// DataKind refines KindData records.
type DataKind uint8

const (
	DataNone DataKind = iota
	DataStatic
	DataMember
	DataParam
)

func (d DataKind) String() string {
	switch d {
	case DataStatic:
		return "static"
	case DataMember:
		return "member"
	case DataParam:
		return "param"
	default:
		return "none"
	}
}

// ParseDataKind is the inverse of String, tolerating unknown names the
// same way ParseRecordKind does.
func ParseDataKind(s string) DataKind {
	switch s {
	case "static":
		return DataStatic
	case "member":
		return DataMember
	case "param":
		return DataParam
	}
	return DataNone
}

// Record is one raw symbol record as the provider stores it. Records are
// ephemeral: the engine reads fields and lets them go; it never holds a
// Record across calls.
//
// RVA is the raw address as encoded by the toolchain. On ARM it may still
// carry the Thumb bit; normalization is the engine's job (pkg/arch), not the
// provider's.
type Record struct {
	ID     SymIndexID
	Kind   RecordKind
	RVA    uint32
	Length uint32
	Name   string
	// Type is the record's type identity, 0 if untyped.
	Type TypeIndexID
	// Parent is the lexical enclosing scope, 0 at top level.
	Parent SymIndexID
	// Data refines Kind == KindData.
	Data DataKind
	// VirtualOnly marks bytes present in the image at runtime but not on
	// disk (zero-fill).
	VirtualOnly bool
}

// Provider is the read-only handle onto one binary's debug information.
//
// A provider is single-threaded: the owning session calls it from exactly
// one goroutine, and enforces that contract on its own API. Implementations
// need no internal locking.
type Provider interface {
	// Architecture reports the machine architecture of the binary.
	Architecture() (arch.Arch, error)

	// Records streams every raw record in provider order. The order is
	// arbitrary but must be stable for a given binary.
	Records(ctx context.Context) iter.Iterator[Record]

	// RecordsByAddr streams records with RVA >= fromRVA in ascending
	// address order. Inline sites carry no address of their own and are
	// absent from all address-keyed queries.
	RecordsByAddr(ctx context.Context, fromRVA uint32) iter.Iterator[Record]

	// SymbolAtRVA reports the record starting exactly at rva, if any.
	SymbolAtRVA(rva uint32) (Record, bool, error)

	// NearestSymbolBefore reports the record with the greatest start
	// <= rva. ErrNotFound if no record starts at or before rva.
	NearestSymbolBefore(rva uint32) (Record, error)

	// RecordByID resolves a record identity. ErrNotFound if unknown.
	RecordByID(id SymIndexID) (Record, error)

	// TypeByID resolves a type identity. ErrNotFound if unknown.
	TypeByID(id TypeIndexID) (TypeRecord, error)

	// Children lists the records lexically nested in id, filtered to the
	// given kinds (all kinds when empty), in provider order.
	Children(id SymIndexID, kinds ...RecordKind) ([]Record, error)

	// InlineeLineRanges reports the address ranges the lines of an inline
	// site (KindInlineSite) were expanded to.
	InlineeLineRanges(id SymIndexID) ([]rva.Range, error)
}
