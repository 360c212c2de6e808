package symbols

import (
	"fmt"
	"strings"

	"github.com/sizescope/sizescope/pkg/debuginfo"
)

// Type names must be byte-stable across runs: size diffs compare them as
// strings. Qualifier order is therefore fixed regardless of the order the
// provider reports the qualifiers in.

// modifierPrefix renders the prefix qualifiers of a modified type, always
// in const, volatile, __unaligned order.
func modifierPrefix(cons, volatile, unaligned bool) string {
	var sb strings.Builder
	if cons {
		sb.WriteString("const ")
	}
	if volatile {
		sb.WriteString("volatile ")
	}
	if unaligned {
		sb.WriteString("__unaligned ")
	}
	return sb.String()
}

// qualifierSuffix renders the suffix qualifiers of a pointer or member
// function, in the same fixed order.
func qualifierSuffix(cons, volatile, unaligned bool) string {
	var sb strings.Builder
	if cons {
		sb.WriteString(" const")
	}
	if volatile {
		sb.WriteString(" volatile")
	}
	if unaligned {
		sb.WriteString(" __unaligned")
	}
	return sb.String()
}

func pointerName(target string, reference bool, cons, volatile, unaligned bool) string {
	op := "*"
	if reference {
		op = "&"
	}
	return target + op + qualifierSuffix(cons, volatile, unaligned)
}

// arrayName renders element followed by the dimensions in declaration
// order (outermost first).
func arrayName(element string, counts []uint32) string {
	var sb strings.Builder
	sb.WriteString(element)
	for _, c := range counts {
		fmt.Fprintf(&sb, "[%d]", c)
	}
	return sb.String()
}

func functionTypeName(ret string, args []string, cons, volatile, unaligned bool) string {
	var sb strings.Builder
	sb.WriteString(ret)
	sb.WriteString(" (*function)(")
	sb.WriteString(strings.Join(args, ", "))
	sb.WriteString(")")
	sb.WriteString(qualifierSuffix(cons, volatile, unaligned))
	return sb.String()
}

// basicTypeName names a primitive from its ordinal. Integer and floating
// forms are selected by byte width, not by ordinal alone.
func basicTypeName(ordinal, size uint32) (string, error) {
	switch ordinal {
	case debuginfo.BasicNoType:
		// Variadic parameter marker.
		return "...", nil
	case debuginfo.BasicVoid:
		return "void", nil
	case debuginfo.BasicChar:
		return "char", nil
	case debuginfo.BasicWChar:
		return "wchar_t", nil
	case debuginfo.BasicInt:
		return intTypeName(size, false)
	case debuginfo.BasicUInt:
		return intTypeName(size, true)
	case debuginfo.BasicFloat:
		return floatTypeName(size)
	case debuginfo.BasicBCD:
		return "BCD", nil
	case debuginfo.BasicBool:
		return "bool", nil
	case debuginfo.BasicLong:
		return "long", nil
	case debuginfo.BasicULong:
		return "unsigned long", nil
	case debuginfo.BasicCurrency:
		return "CURRENCY", nil
	case debuginfo.BasicDate:
		return "DATE", nil
	case debuginfo.BasicVariant:
		return "VARIANT", nil
	case debuginfo.BasicComplex:
		return "complex", nil
	case debuginfo.BasicBit:
		return "bit", nil
	case debuginfo.BasicBSTR:
		return "BSTR", nil
	case debuginfo.BasicHresult:
		return "HRESULT", nil
	case debuginfo.BasicChar16:
		return "char16_t", nil
	case debuginfo.BasicChar32:
		return "char32_t", nil
	case debuginfo.BasicChar8:
		return "char8_t", nil
	}
	return "", InternalConsistencyError{
		Kind:   "basic type",
		Detail: fmt.Sprintf("unknown ordinal %d (width %d)", ordinal, size),
	}
}

func intTypeName(size uint32, unsigned bool) (string, error) {
	var name string
	switch size {
	case 1:
		name = "char"
	case 2:
		name = "short"
	case 4:
		name = "int"
	case 8:
		name = "int64"
	case 16:
		name = "int128"
	default:
		return "", InternalConsistencyError{
			Kind:   "basic type",
			Detail: fmt.Sprintf("unknown integer width %d", size),
		}
	}
	if unsigned {
		name = "unsigned " + name
	}
	return name, nil
}

func floatTypeName(size uint32) (string, error) {
	switch {
	case size == 2:
		return "half", nil
	case size == 4:
		return "float", nil
	case size == 8:
		return "double", nil
	case size >= 10:
		return "long double", nil
	}
	return "", InternalConsistencyError{
		Kind:   "basic type",
		Detail: fmt.Sprintf("unknown floating width %d", size),
	}
}
