package symbols

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/debuginfo/debuginfotest"
)

func TestQualifierOrderIsFixed(t *testing.T) {
	assert.Equal(t, "const volatile __unaligned ", modifierPrefix(true, true, true))
	assert.Equal(t, "volatile ", modifierPrefix(false, true, false))
	assert.Equal(t, "", modifierPrefix(false, false, false))

	assert.Equal(t, " const volatile __unaligned", qualifierSuffix(true, true, true))
	assert.Equal(t, " const", qualifierSuffix(true, false, false))
	assert.Equal(t, "", qualifierSuffix(false, false, false))
}

func TestPointerName(t *testing.T) {
	for _, tc := range []struct {
		name      string
		target    string
		reference bool
		cons      bool
		volatile  bool
		expected  string
	}{
		{name: "plain", target: "int", expected: "int*"},
		{name: "const pointer", target: "int", cons: true, expected: "int* const"},
		{name: "reference", target: "Foo", reference: true, expected: "Foo&"},
		{name: "const volatile", target: "char", cons: true, volatile: true, expected: "char* const volatile"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, pointerName(tc.target, tc.reference, tc.cons, tc.volatile, false))
		})
	}
}

func TestBasicTypeName(t *testing.T) {
	for _, tc := range []struct {
		name     string
		ordinal  uint32
		size     uint32
		expected string
	}{
		{name: "variadic marker", ordinal: debuginfo.BasicNoType, expected: "..."},
		{name: "void", ordinal: debuginfo.BasicVoid, expected: "void"},
		{name: "int32", ordinal: debuginfo.BasicInt, size: 4, expected: "int"},
		{name: "int64", ordinal: debuginfo.BasicInt, size: 8, expected: "int64"},
		{name: "uint16", ordinal: debuginfo.BasicUInt, size: 2, expected: "unsigned short"},
		{name: "uint128", ordinal: debuginfo.BasicUInt, size: 16, expected: "unsigned int128"},
		{name: "half", ordinal: debuginfo.BasicFloat, size: 2, expected: "half"},
		{name: "float", ordinal: debuginfo.BasicFloat, size: 4, expected: "float"},
		{name: "double", ordinal: debuginfo.BasicFloat, size: 8, expected: "double"},
		{name: "extended", ordinal: debuginfo.BasicFloat, size: 10, expected: "long double"},
		{name: "bool", ordinal: debuginfo.BasicBool, size: 1, expected: "bool"},
		{name: "long", ordinal: debuginfo.BasicLong, size: 4, expected: "long"},
		{name: "hresult", ordinal: debuginfo.BasicHresult, size: 4, expected: "HRESULT"},
		{name: "char8", ordinal: debuginfo.BasicChar8, size: 1, expected: "char8_t"},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := basicTypeName(tc.ordinal, tc.size)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestBasicTypeName_Unknown(t *testing.T) {
	var ice InternalConsistencyError

	_, err := basicTypeName(9999, 4)
	require.ErrorAs(t, err, &ice)

	_, err = basicTypeName(debuginfo.BasicInt, 3)
	require.ErrorAs(t, err, &ice)

	_, err = basicTypeName(debuginfo.BasicFloat, 1)
	require.ErrorAs(t, err, &ice)
}

// typeFixture is a provider with the common leaf types every graph test
// wants: 100 = int, 101 = char, 102 = const int, 103 = char*.
func typeFixture() *debuginfotest.Provider {
	return debuginfotest.NewProvider(arch.X64).AddType(
		debuginfo.TypeRecord{ID: 100, Kind: debuginfo.TypeBasic, Ordinal: debuginfo.BasicInt, Size: 4},
		debuginfo.TypeRecord{ID: 101, Kind: debuginfo.TypeBasic, Ordinal: debuginfo.BasicChar, Size: 1},
		debuginfo.TypeRecord{ID: 102, Kind: debuginfo.TypeModified, Target: 100, Const: true},
		debuginfo.TypeRecord{ID: 103, Kind: debuginfo.TypePointer, Target: 101},
	)
}

func TestTypeGraph_PointerAndModified(t *testing.T) {
	p := typeFixture().AddType(
		// Pointer to const int, and a const pointer to int: the qualifier
		// binds to a different side of the star in each.
		debuginfo.TypeRecord{ID: 200, Kind: debuginfo.TypePointer, Target: 102},
		debuginfo.TypeRecord{ID: 201, Kind: debuginfo.TypePointer, Target: 100, Const: true},
	)
	s := newTestSession(t, p)

	toConst, err := s.typeByID(200, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "const int*", toConst.Name())

	constPtr, err := s.typeByID(201, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "int* const", constPtr.Name())
}

func TestTypeGraph_ArrayDimensionOrder(t *testing.T) {
	// The record chain nests the innermost dimension first; display is
	// declaration order, outermost first.
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 300, Kind: debuginfo.TypeArray, Count: 4, Target: 301},
		debuginfo.TypeRecord{ID: 301, Kind: debuginfo.TypeArray, Count: 3, Target: 302},
		debuginfo.TypeRecord{ID: 302, Kind: debuginfo.TypeArray, Count: 2, Target: 100},
	)
	s := newTestSession(t, p)

	arr, err := s.typeByID(300, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "int[2][3][4]", arr.Name())
	assert.Equal(t, []uint32{2, 3, 4}, arr.Counts)
	require.NotNil(t, arr.Target)
	assert.Equal(t, "int", arr.Target.Name())
}

func TestTypeGraph_SingleDimensionArray(t *testing.T) {
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 300, Kind: debuginfo.TypeArray, Count: 16, Target: 101, Size: 16},
	)
	s := newTestSession(t, p)

	arr, err := s.typeByID(300, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "char[16]", arr.Name())
}

func TestTypeGraph_FunctionType(t *testing.T) {
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 400, Kind: debuginfo.TypeFunction, ReturnType: 100, Args: []debuginfo.TypeIndexID{100, 103}},
	)
	s := newTestSession(t, p)

	fn, err := s.typeByID(400, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "int (*function)(int, char*)", fn.Name())
}

func TestTypeGraph_MemberFunctionThisQualifiers(t *testing.T) {
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 500, Kind: debuginfo.TypeUDT, Name: "Widget", Size: 24},
		debuginfo.TypeRecord{ID: 501, Kind: debuginfo.TypeModified, Target: 500, Const: true},
		debuginfo.TypeRecord{ID: 502, Kind: debuginfo.TypePointer, Target: 501},
		debuginfo.TypeRecord{ID: 503, Kind: debuginfo.TypeFunction, ReturnType: 100, ObjectPointer: 502},
	)
	s := newTestSession(t, p)

	fn, err := s.typeByID(503, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "int (*function)() const", fn.Name())
}

func TestTypeGraph_VoidReturnAndVariadic(t *testing.T) {
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 600, Kind: debuginfo.TypeBasic, Ordinal: debuginfo.BasicNoType},
		debuginfo.TypeRecord{ID: 601, Kind: debuginfo.TypeFunction, Args: []debuginfo.TypeIndexID{103, 600}},
	)
	s := newTestSession(t, p)

	fn, err := s.typeByID(601, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Equal(t, "void (*function)(char*, ...)", fn.Name())
}

func TestTypeGraph_Memoized(t *testing.T) {
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 200, Kind: debuginfo.TypePointer, Target: 100},
	)
	s := newTestSession(t, p)

	ptr, err := s.typeByID(200, s.cfg.RecursionBudget)
	require.NoError(t, err)
	direct, err := s.typeByID(100, s.cfg.RecursionBudget)
	require.NoError(t, err)

	// The pointer's target and the directly resolved node are the same
	// cache entry, not equal copies.
	assert.Same(t, ptr.Target, direct)

	again, err := s.typeByID(200, s.cfg.RecursionBudget)
	require.NoError(t, err)
	assert.Same(t, ptr, again)

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.TypesBuilt)
}

func TestTypeGraph_BudgetExhausted(t *testing.T) {
	p := typeFixture().AddType(
		debuginfo.TypeRecord{ID: 700, Kind: debuginfo.TypePointer, Target: 701},
		debuginfo.TypeRecord{ID: 701, Kind: debuginfo.TypePointer, Target: 702},
		debuginfo.TypeRecord{ID: 702, Kind: debuginfo.TypePointer, Target: 703},
		debuginfo.TypeRecord{ID: 703, Kind: debuginfo.TypePointer, Target: 700},
	)
	s, err := New(context.Background(), nil, p, Config{RecursionBudget: 3}, nil)
	require.NoError(t, err)

	var ice InternalConsistencyError
	_, err = s.typeByID(700, s.cfg.RecursionBudget)
	require.ErrorAs(t, err, &ice)

	// The failed build must leave nothing behind.
	types, err := s.TypeSymbols()
	require.NoError(t, err)
	assert.Empty(t, types)
}

func TestTypeGraph_UnknownTypeRejected(t *testing.T) {
	s := newTestSession(t, typeFixture())

	_, err := s.typeByID(999, s.cfg.RecursionBudget)
	require.ErrorIs(t, err, debuginfo.ErrNotFound)
}
