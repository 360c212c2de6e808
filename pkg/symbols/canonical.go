package symbols

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/sizescope/sizescope/pkg/debuginfo"
)

// Candidate is one symbol record observed at a fold-point address.
type Candidate struct {
	ID   debuginfo.SymIndexID
	Kind debuginfo.RecordKind
	Name string

	seq int
}

// FoldGroup is the frozen canonicalization result for one RVA that hosts
// more than one symbol record (COMDAT folding). Candidates are ordered by
// selection priority; Canonical is the first of them.
type FoldGroup struct {
	RVA         uint32
	Canonical   Candidate
	Candidates  []Candidate
	Fingerprint uint64
}

// canonicalizer accumulates per-RVA candidates during the up-front pass.
// The seen set deduplicates by identity across traversal scopes: one record
// can be reached several ways and must be counted once.
type canonicalizer struct {
	byRVA map[uint32][]Candidate
	seen  map[debuginfo.SymIndexID]struct{}
	seq   int
}

func newCanonicalizer() *canonicalizer {
	return &canonicalizer{
		byRVA: make(map[uint32][]Candidate),
		seen:  make(map[debuginfo.SymIndexID]struct{}),
	}
}

// interested reports whether a record kind participates in canonical-name
// resolution.
func interested(k debuginfo.RecordKind) bool {
	switch k {
	case debuginfo.KindFunction, debuginfo.KindBlock, debuginfo.KindThunk,
		debuginfo.KindData, debuginfo.KindPublic:
		return true
	}
	return false
}

// add records a candidate at its (already normalized) address. Re-adding
// an identity is a no-op.
func (c *canonicalizer) add(adjustedRVA uint32, r debuginfo.Record) {
	if !interested(r.Kind) {
		return
	}
	if _, dup := c.seen[r.ID]; dup {
		return
	}
	c.seen[r.ID] = struct{}{}
	c.byRVA[adjustedRVA] = append(c.byRVA[adjustedRVA], Candidate{
		ID:   r.ID,
		Kind: r.Kind,
		Name: r.Name,
		seq:  c.seq,
	})
	c.seq++
}

// kindPriority orders candidates for canonical selection. Functions and
// blocks come first, then thunks, then data; public names always lose
// because they carry decoration artifacts ("public:", "virtual") that sort
// and display poorly.
func kindPriority(k debuginfo.RecordKind) int {
	switch k {
	case debuginfo.KindFunction, debuginfo.KindBlock:
		return 0
	case debuginfo.KindThunk:
		return 1
	case debuginfo.KindData:
		return 2
	default:
		return 3
	}
}

// freeze canonicalizes every accumulator with more than one candidate and
// prunes the rest (no folding happened there). The result is read-only for
// the remainder of the session.
func (c *canonicalizer) freeze() map[uint32]*FoldGroup {
	folds := make(map[uint32]*FoldGroup)
	for at, cands := range c.byRVA {
		if len(cands) < 2 {
			continue
		}
		sort.SliceStable(cands, func(i, j int) bool {
			pi, pj := kindPriority(cands[i].Kind), kindPriority(cands[j].Kind)
			if pi != pj {
				return pi < pj
			}
			return cands[i].seq < cands[j].seq
		})
		folds[at] = &FoldGroup{
			RVA:         at,
			Canonical:   cands[0],
			Candidates:  cands,
			Fingerprint: foldFingerprint(cands),
		}
	}
	return folds
}

func sortFoldGroups(groups []FoldGroup) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].RVA < groups[j].RVA })
}

// foldFingerprint hashes the candidate names, order-independently, so runs
// over the same binary can be compared for provider-enumeration drift.
func foldFingerprint(cands []Candidate) uint64 {
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.Name
	}
	sort.Strings(names)

	d := xxhash.New()
	for _, n := range names {
		_, _ = d.WriteString(n)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}
