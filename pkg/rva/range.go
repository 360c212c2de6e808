// Package rva implements interval arithmetic over relative virtual addresses.
//
// A Range is a half-open [Start, End) span of RVAs. RangeSet owns an ordered,
// non-overlapping, coalesced collection of ranges and answers containment
// queries by binary search. Everything here is pure data manipulation; no
// provider round-trips happen in this package.
package rva

import (
	"fmt"
	"math"
)

// Range is a half-open span of relative virtual addresses.
// A Range is immutable once constructed; deriving a bigger span produces
// a new value.
type Range struct {
	Start  uint32
	Length uint32

	// VirtualOnly marks spans that exist in the mapped image but have no
	// corresponding bytes on disk (zero-initialized data and the like).
	VirtualOnly bool
}

// InvalidRangeError reports a geometrically impossible range, such as one
// whose end would wrap around the 32-bit address space.
type InvalidRangeError struct {
	Start  uint32
	Length uint32
}

func (e InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid rva range: start=0x%x length=0x%x crosses the end of the address space", e.Start, e.Length)
}

// New constructs a range after validating its geometry. Zero-length ranges
// are legal; ranges crossing the end of the 32-bit address space are not.
func New(start, length uint32) (Range, error) {
	if uint64(start)+uint64(length) > math.MaxUint32 {
		return Range{}, InvalidRangeError{Start: start, Length: length}
	}
	return Range{Start: start, Length: length}, nil
}

// NewVirtual constructs a range covering address space with no disk bytes.
func NewVirtual(start, length uint32) (Range, error) {
	r, err := New(start, length)
	if err != nil {
		return Range{}, err
	}
	r.VirtualOnly = true
	return r, nil
}

// End returns the exclusive upper bound of the range.
func (r Range) End() uint32 {
	return r.Start + r.Length
}

// Contains reports whether the rva falls inside the range.
func (r Range) Contains(rva uint32) bool {
	return rva >= r.Start && rva < r.End()
}

// ContainsRange reports whether [rva, rva+length) lies entirely inside r.
// A zero-length probe is contained if its start is.
func (r Range) ContainsRange(rva, length uint32) bool {
	if !r.Contains(rva) {
		return false
	}
	return uint64(rva)+uint64(length) <= uint64(r.End())
}

// Overlaps reports whether the two ranges share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End() && o.Start < r.End()
}

// Gap returns the number of padding bytes between r and o when o starts at or
// after r ends, and false when the ranges overlap or o precedes r.
func (r Range) Gap(o Range) (uint32, bool) {
	if o.Start < r.End() {
		return 0, false
	}
	return o.Start - r.End(), true
}

// Extend returns the range spanning from r.Start to whichever end is
// greater. The merged length is recomputed from addresses rather than by
// summing the two lengths, so padding between the inputs is absorbed
// exactly once.
func (r Range) Extend(o Range) Range {
	end := r.End()
	if o.End() > end {
		end = o.End()
	}
	return Range{
		Start:       r.Start,
		Length:      end - r.Start,
		VirtualOnly: r.VirtualOnly && o.VirtualOnly,
	}
}

func (r Range) String() string {
	if r.VirtualOnly {
		return fmt.Sprintf("[0x%x,0x%x) virtual", r.Start, r.End())
	}
	return fmt.Sprintf("[0x%x,0x%x)", r.Start, r.End())
}
