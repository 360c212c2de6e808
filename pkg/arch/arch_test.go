package arch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustRVA(t *testing.T) {
	for _, tc := range []struct {
		name     string
		arch     Arch
		rva      uint32
		expected uint32
	}{
		{name: "x86 identity", arch: X86, rva: 0x12345679, expected: 0x12345679},
		{name: "x64 identity", arch: X64, rva: 0x12345679, expected: 0x12345679},
		{name: "arm clears thumb bit", arch: ARM, rva: 0x12345679, expected: 0x12345678},
		{name: "arm even address unchanged", arch: ARM, rva: 0x12345678, expected: 0x12345678},
		{name: "arm64 keeps low bit", arch: ARM64, rva: 0x12345679, expected: 0x12345679},
		{name: "arm64ec keeps low bit", arch: ARM64EC, rva: 0x12345679, expected: 0x12345679},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := AdjustRVA(tc.rva, tc.arch)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestAdjustRVA_UnknownArch(t *testing.T) {
	_, err := AdjustRVA(0x1000, Unknown)
	require.Error(t, err)
	var unsupported UnsupportedArchError
	require.ErrorAs(t, err, &unsupported)
}

func TestFunctionStart(t *testing.T) {
	// A Thumb function's BeginAddress has the low bit set in the exception
	// directory; the decoded start must be the even address.
	got, err := FunctionStart(0x0040_1235, ARM)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0040_1234), got)

	got, err = FunctionStart(0x0040_1235, ARM64EC)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0040_1235), got)
}

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Arch
	}{
		{in: "x86", expected: X86},
		{in: "386", expected: X86},
		{in: "x64", expected: X64},
		{in: "amd64", expected: X64},
		{in: "arm", expected: ARM},
		{in: "arm64", expected: ARM64},
		{in: "aarch64", expected: ARM64},
		{in: "arm64ec", expected: ARM64EC},
	} {
		got, err := Parse(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.expected, got, tc.in)
	}

	_, err := Parse("mips")
	var unsupported UnsupportedArchError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "mips", unsupported.Name)
}

func TestFromPEMachine(t *testing.T) {
	for _, tc := range []struct {
		machine  uint16
		expected Arch
	}{
		{machine: 0x014c, expected: X86},
		{machine: 0x8664, expected: X64},
		{machine: 0x01c0, expected: ARM},
		{machine: 0x01c4, expected: ARM},
		{machine: 0xaa64, expected: ARM64},
		{machine: 0xa641, expected: ARM64EC},
	} {
		got, err := FromPEMachine(tc.machine)
		require.NoError(t, err)
		assert.Equal(t, tc.expected, got)
	}

	_, err := FromPEMachine(0x0166)
	var unsupported UnsupportedArchError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, uint16(0x0166), unsupported.Machine)
}

func TestArchString(t *testing.T) {
	assert.Equal(t, "arm64ec", ARM64EC.String())
	assert.Equal(t, "x64", X64.String())
	assert.False(t, Unknown.Known())
	assert.True(t, ARM64EC.Known())
}
