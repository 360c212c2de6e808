package rva

import (
	"sort"
	"strings"
)

// RangeSet is an ordered, non-overlapping, coalesced collection of ranges.
// It is immutable after construction; containment queries are O(log n) by
// binary search over the sorted starts.
type RangeSet struct {
	ranges []Range
}

// NewSet coalesces the given ranges (zero gap tolerance) into a set.
func NewSet(ranges ...Range) *RangeSet {
	return &RangeSet{ranges: Coalesce(ranges)}
}

// NewSetWithGap coalesces the given ranges, additionally merging ranges
// separated by at most maxGap padding bytes. Ranges of one logical entity
// fragmented by small alignment padding collapse into one covering range.
func NewSetWithGap(ranges []Range, maxGap uint32) *RangeSet {
	return &RangeSet{ranges: CoalesceWithGap(ranges, maxGap)}
}

// Coalesce merges a list of possibly overlapping or adjacent ranges into the
// minimal sorted covering set. The union of bytes covered is preserved
// exactly: no bytes gained, none lost.
func Coalesce(ranges []Range) []Range {
	return CoalesceWithGap(ranges, 0)
}

// CoalesceWithGap is Coalesce with a padding tolerance: two ranges separated
// by a gap of at most maxGap bytes merge into one range that absorbs the gap.
// Ranges that disagree on VirtualOnly never merge, whatever the gap, so a
// span of zero-fill is never folded into on-disk bytes.
func CoalesceWithGap(ranges []Range, maxGap uint32) []Range {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]Range, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End() < sorted[j].End()
	})

	out := sorted[:1]
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if mergeable(*last, r, maxGap) {
			*last = last.Extend(r)
			continue
		}
		out = append(out, r)
	}
	return out
}

func mergeable(a, b Range, maxGap uint32) bool {
	if a.VirtualOnly != b.VirtualOnly {
		return false
	}
	if a.Overlaps(b) {
		return true
	}
	gap, ok := a.Gap(b)
	return ok && gap <= maxGap
}

// Len returns the number of coalesced ranges in the set.
func (s *RangeSet) Len() int {
	return len(s.ranges)
}

// Size returns the total number of bytes covered by the set.
func (s *RangeSet) Size() uint64 {
	var total uint64
	for _, r := range s.ranges {
		total += uint64(r.Length)
	}
	return total
}

// Ranges returns the coalesced ranges in ascending start order. The returned
// slice is owned by the set and must not be mutated.
func (s *RangeSet) Ranges() []Range {
	return s.ranges
}

// Contains reports whether the rva falls inside any range of the set.
func (s *RangeSet) Contains(rva uint32) bool {
	r, ok := s.find(rva)
	return ok && r.Contains(rva)
}

// ContainsRange reports whether [rva, rva+length) is entirely covered by a
// single range of the set. Coalescing guarantees a covered span is never
// split across set members.
func (s *RangeSet) ContainsRange(rva, length uint32) bool {
	r, ok := s.find(rva)
	return ok && r.ContainsRange(rva, length)
}

// IsVirtualOnly reports whether [rva, rva+length) is entirely covered by
// address-space-only ranges with no bytes on disk.
func (s *RangeSet) IsVirtualOnly(rva, length uint32) bool {
	r, ok := s.find(rva)
	return ok && r.VirtualOnly && r.ContainsRange(rva, length)
}

// find locates the last range starting at or before rva.
func (s *RangeSet) find(rva uint32) (Range, bool) {
	idx := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].Start > rva
	})
	idx--
	if idx < 0 {
		return Range{}, false
	}
	return s.ranges[idx], true
}

func (s *RangeSet) String() string {
	parts := make([]string, len(s.ranges))
	for i, r := range s.ranges {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}
