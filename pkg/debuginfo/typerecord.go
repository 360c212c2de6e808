package debuginfo

// TypeKind discriminates TypeRecord.
type TypeKind uint8

const (
	TypeUnknown TypeKind = iota
	TypeBasic
	TypePointer
	TypeArray
	TypeFunction
	TypeUDT
	TypeEnum
	TypeModified
	TypeCustom
)

var typeKindNames = map[TypeKind]string{
	TypeUnknown:  "unknown",
	TypeBasic:    "basic",
	TypePointer:  "pointer",
	TypeArray:    "array",
	TypeFunction: "function",
	TypeUDT:      "udt",
	TypeEnum:     "enum",
	TypeModified: "modified",
	TypeCustom:   "custom",
}

func (k TypeKind) String() string {
	if s, ok := typeKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func ParseTypeKind(s string) TypeKind {
	for k, name := range typeKindNames {
		if name == s {
			return k
		}
	}
	return TypeUnknown
}

// Basic-type ordinals, matching the CodeView BasicType enumeration the
// debug-info formats of the original toolchains agree on.
const (
	BasicNoType   uint32 = 0
	BasicVoid     uint32 = 1
	BasicChar     uint32 = 2
	BasicWChar    uint32 = 3
	BasicInt      uint32 = 6
	BasicUInt     uint32 = 7
	BasicFloat    uint32 = 8
	BasicBCD      uint32 = 9
	BasicBool     uint32 = 10
	BasicLong     uint32 = 13
	BasicULong    uint32 = 14
	BasicCurrency uint32 = 25
	BasicDate     uint32 = 26
	BasicVariant  uint32 = 27
	BasicComplex  uint32 = 28
	BasicBit      uint32 = 29
	BasicBSTR     uint32 = 30
	BasicHresult  uint32 = 31
	BasicChar16   uint32 = 32
	BasicChar32   uint32 = 33
	BasicChar8    uint32 = 34
)

// TypeRecord is one raw type record: a tagged union discriminated by Kind.
// Only the fields documented for a kind are meaningful; the rest stay zero.
//
//	Basic:     Ordinal (basic-type table entry), Size (width in bytes)
//	Pointer:   Target, Reference (T& vs T*), Const/Volatile/Unaligned
//	           (qualifiers on the pointer itself), Size
//	Array:     Target (element type; may itself be an array for
//	           multi-dimensional declarations, nested innermost dimension
//	           first), Count (elements in this dimension), Size (total bytes)
//	Function:  ReturnType, Args, ObjectPointer (implicit this, 0 for free
//	           functions)
//	UDT:       Name, Size (instance size)
//	Enum:      Name, Target (underlying type), Size
//	Modified:  Target (unmodified type), Const/Volatile/Unaligned, Size
//	Custom:    Name, Size (toolchain-specific opaque type)
type TypeRecord struct {
	ID   TypeIndexID
	Kind TypeKind
	Size uint32

	Name    string
	Ordinal uint32

	Target    TypeIndexID
	Reference bool
	Const     bool
	Volatile  bool
	Unaligned bool
	Count     uint32

	ReturnType    TypeIndexID
	Args          []TypeIndexID
	ObjectPointer TypeIndexID
}
