package arch

// AdjustRVA normalizes a raw relative virtual address for the given
// architecture. On 32-bit ARM the low bit of a code address is not part of
// the address: it flags the instruction-set mode (Thumb vs. ARM) for
// interworking, so it is cleared here. ARM64 and ARM64EC addresses carry no
// mode bit and pass through untouched, as do x86 and x64.
//
// Every RVA read from a debug-info source or a user query must pass through
// AdjustRVA exactly once before it is stored or compared; otherwise an
// odd Thumb address will never match the even address recorded for the
// same function.
func AdjustRVA(rva uint32, a Arch) (uint32, error) {
	switch a {
	case X86, X64, ARM64, ARM64EC:
		return rva, nil
	case ARM:
		return rva &^ 1, nil
	}
	return 0, UnsupportedArchError{Name: a.String()}
}

// FunctionStart decodes the function-start RVA from the BeginAddress field
// of a PE exception-directory entry. The field is encoded like any other
// code address for the architecture, so on ARM the Thumb bit must come off.
func FunctionStart(beginAddress uint32, a Arch) (uint32, error) {
	return AdjustRVA(beginAddress, a)
}
