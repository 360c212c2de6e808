package replay

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/rva"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// FormatName identifies a replay dump in its header line.
	FormatName = "sizescope.replay"
	// FormatVersion is the dump version this package reads and writes.
	FormatVersion = 1
)

// A dump is newline-delimited JSON. The first value is the header; every
// following value carries exactly one of the payload keys:
//
//	{"header":{"format":"sizescope.replay","version":1,"arch":"x64","binary":"app.dll"}}
//	{"sym":{"id":1,"kind":"function","rva":4096,"len":64,"name":"A::Run","type":7}}
//	{"type":{"id":7,"kind":"function","ret":4,"args":[4,9]}}
//	{"lines":{"sym":12,"ranges":[[4101,4],[4109,4]]}}
//
// Unknown keys are skipped so newer producers stay readable.
type line struct {
	Header *header    `json:"header,omitempty"`
	Sym    *symLine   `json:"sym,omitempty"`
	Type   *typeLine  `json:"type,omitempty"`
	Lines  *linesLine `json:"lines,omitempty"`
}

type header struct {
	Format  string `json:"format"`
	Version int    `json:"version"`
	Arch    string `json:"arch"`
	Binary  string `json:"binary,omitempty"`
}

type symLine struct {
	ID      uint32 `json:"id"`
	Kind    string `json:"kind"`
	RVA     uint32 `json:"rva"`
	Length  uint32 `json:"len,omitempty"`
	Name    string `json:"name,omitempty"`
	Type    uint32 `json:"type,omitempty"`
	Parent  uint32 `json:"parent,omitempty"`
	Data    string `json:"data,omitempty"`
	Virtual bool   `json:"virtual,omitempty"`
}

type typeLine struct {
	ID        uint32   `json:"id"`
	Kind      string   `json:"kind"`
	Size      uint32   `json:"size,omitempty"`
	Name      string   `json:"name,omitempty"`
	Ordinal   uint32   `json:"ordinal,omitempty"`
	Target    uint32   `json:"target,omitempty"`
	Reference bool     `json:"reference,omitempty"`
	Const     bool     `json:"const,omitempty"`
	Volatile  bool     `json:"volatile,omitempty"`
	Unaligned bool     `json:"unaligned,omitempty"`
	Count     uint32   `json:"count,omitempty"`
	Return    uint32   `json:"ret,omitempty"`
	Args      []uint32 `json:"args,omitempty"`
	ObjectPtr uint32   `json:"objptr,omitempty"`
}

type linesLine struct {
	Sym    uint32      `json:"sym"`
	Ranges [][2]uint32 `json:"ranges"`
}

func (h *header) validate() error {
	if h.Format != FormatName {
		return errors.Errorf("replay: not a %s dump (format %q)", FormatName, h.Format)
	}
	if h.Version != FormatVersion {
		return errors.Errorf("replay: unsupported dump version %d (want %d)", h.Version, FormatVersion)
	}
	return nil
}

func (l *symLine) record() debuginfo.Record {
	return debuginfo.Record{
		ID:          debuginfo.SymIndexID(l.ID),
		Kind:        debuginfo.ParseRecordKind(l.Kind),
		RVA:         l.RVA,
		Length:      l.Length,
		Name:        l.Name,
		Type:        debuginfo.TypeIndexID(l.Type),
		Parent:      debuginfo.SymIndexID(l.Parent),
		Data:        debuginfo.ParseDataKind(l.Data),
		VirtualOnly: l.Virtual,
	}
}

func symFromRecord(r debuginfo.Record) *symLine {
	return &symLine{
		ID:      uint32(r.ID),
		Kind:    r.Kind.String(),
		RVA:     r.RVA,
		Length:  r.Length,
		Name:    r.Name,
		Type:    uint32(r.Type),
		Parent:  uint32(r.Parent),
		Data:    dataKindName(r.Data),
		Virtual: r.VirtualOnly,
	}
}

// dataKindName renders DataNone as the empty string so plain code records
// do not carry a data field at all.
func dataKindName(d debuginfo.DataKind) string {
	if d == debuginfo.DataNone {
		return ""
	}
	return d.String()
}

func (l *typeLine) record() debuginfo.TypeRecord {
	return debuginfo.TypeRecord{
		ID:            debuginfo.TypeIndexID(l.ID),
		Kind:          debuginfo.ParseTypeKind(l.Kind),
		Size:          l.Size,
		Name:          l.Name,
		Ordinal:       l.Ordinal,
		Target:        debuginfo.TypeIndexID(l.Target),
		Reference:     l.Reference,
		Const:         l.Const,
		Volatile:      l.Volatile,
		Unaligned:     l.Unaligned,
		Count:         l.Count,
		ReturnType:    debuginfo.TypeIndexID(l.Return),
		Args:          typeIDs(l.Args),
		ObjectPointer: debuginfo.TypeIndexID(l.ObjectPtr),
	}
}

func typeFromRecord(t debuginfo.TypeRecord) *typeLine {
	return &typeLine{
		ID:        uint32(t.ID),
		Kind:      t.Kind.String(),
		Size:      t.Size,
		Name:      t.Name,
		Ordinal:   t.Ordinal,
		Target:    uint32(t.Target),
		Reference: t.Reference,
		Const:     t.Const,
		Volatile:  t.Volatile,
		Unaligned: t.Unaligned,
		Count:     t.Count,
		Return:    uint32(t.ReturnType),
		Args:      rawIDs(t.Args),
		ObjectPtr: uint32(t.ObjectPointer),
	}
}

func typeIDs(raw []uint32) []debuginfo.TypeIndexID {
	if len(raw) == 0 {
		return nil
	}
	out := make([]debuginfo.TypeIndexID, len(raw))
	for i, id := range raw {
		out[i] = debuginfo.TypeIndexID(id)
	}
	return out
}

func rawIDs(ids []debuginfo.TypeIndexID) []uint32 {
	if len(ids) == 0 {
		return nil
	}
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}

func (l *linesLine) ranges() []rva.Range {
	out := make([]rva.Range, len(l.Ranges))
	for i, pair := range l.Ranges {
		out[i] = rva.Range{Start: pair[0], Length: pair[1]}
	}
	return out
}

func rangePairs(ranges []rva.Range) [][2]uint32 {
	out := make([][2]uint32, len(ranges))
	for i, r := range ranges {
		out[i] = [2]uint32{r.Start, r.Length}
	}
	return out
}
