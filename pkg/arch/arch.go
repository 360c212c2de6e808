// Package arch identifies the target machine architecture of an analyzed
// binary and applies the architecture-specific RVA transforms needed before
// any address is compared, merged or looked up.
package arch

import "fmt"

// Arch is a closed enumeration of the machine architectures the engine
// understands. The zero value is Unknown and is rejected everywhere.
type Arch uint8

const (
	Unknown Arch = iota
	X86
	X64
	ARM
	ARM64
	// ARM64EC is emulation-compatible ARM64: X64-compatible code on ARM64
	// hardware. For address handling it behaves exactly like X64.
	ARM64EC
)

// PE optional-header machine tags, as found in the COFF file header.
const (
	machineI386    uint16 = 0x014c
	machineAMD64   uint16 = 0x8664
	machineARM     uint16 = 0x01c0
	machineARMNT   uint16 = 0x01c4
	machineARM64   uint16 = 0xaa64
	machineARM64EC uint16 = 0xa641
)

func (a Arch) String() string {
	switch a {
	case X86:
		return "x86"
	case X64:
		return "x64"
	case ARM:
		return "arm"
	case ARM64:
		return "arm64"
	case ARM64EC:
		return "arm64ec"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Known reports whether a is one of the supported architectures.
func (a Arch) Known() bool {
	switch a {
	case X86, X64, ARM, ARM64, ARM64EC:
		return true
	}
	return false
}

// Parse maps a human-readable architecture name to an Arch. It accepts the
// canonical names produced by String plus the common GOARCH-style aliases.
func Parse(s string) (Arch, error) {
	switch s {
	case "x86", "i386", "386":
		return X86, nil
	case "x64", "amd64":
		return X64, nil
	case "arm":
		return ARM, nil
	case "arm64", "aarch64":
		return ARM64, nil
	case "arm64ec":
		return ARM64EC, nil
	}
	return Unknown, UnsupportedArchError{Name: s}
}

// FromPEMachine maps a COFF machine tag to an Arch.
func FromPEMachine(machine uint16) (Arch, error) {
	switch machine {
	case machineI386:
		return X86, nil
	case machineAMD64:
		return X64, nil
	case machineARM, machineARMNT:
		return ARM, nil
	case machineARM64:
		return ARM64, nil
	case machineARM64EC:
		return ARM64EC, nil
	}
	return Unknown, UnsupportedArchError{Machine: machine}
}

// UnsupportedArchError reports an architecture the engine cannot analyze.
// It is fatal: callers must not fall back to an identity address transform.
type UnsupportedArchError struct {
	// Name is set when the architecture came from a textual source.
	Name string
	// Machine is set when it came from a COFF file header.
	Machine uint16
}

func (e UnsupportedArchError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unsupported architecture %q", e.Name)
	}
	return fmt.Sprintf("unsupported machine type 0x%04x", e.Machine)
}
