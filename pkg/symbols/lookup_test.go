package symbols

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/debuginfo/debuginfotest"
	"github.com/sizescope/sizescope/pkg/iter"
	"github.com/sizescope/sizescope/pkg/rva"
)

func mustRange(t *testing.T, start, length uint32) rva.Range {
	t.Helper()
	r, err := rva.New(start, length)
	require.NoError(t, err)
	return r
}

func TestFindByRVA_ExactAndMiss(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	s := newTestSession(t, p)

	sym, ok, err := s.FindByRVA(context.Background(), 0x1000, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f", sym.Name())

	// Interior addresses are not exact hits.
	_, ok, err = s.FindByRVA(context.Background(), 0x1020, false)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByRVA_NearestIsCached(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	s := newTestSession(t, p)

	for i := 0; i < 3; i++ {
		sym, ok, err := s.FindByRVA(context.Background(), 0x1020, true)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "f", sym.Name())
	}
	// Two repeats were answered from the lookup cache.
	assert.Equal(t, 1, p.NearestCalls)
}

func TestFindByRVA_NothingBefore(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	s := newTestSession(t, p)

	_, ok, err := s.FindByRVA(context.Background(), 0x500, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindByRVA_ThumbBitNormalized(t *testing.T) {
	p := debuginfotest.NewProvider(arch.ARM).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	s := newTestSession(t, p)

	sym, ok, err := s.FindByRVA(context.Background(), 0x1001, false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f", sym.Name())
}

func TestFindByRVA_Cancelled(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	s := newTestSession(t, p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := s.FindByRVA(ctx, 0x1000, false)
	require.ErrorIs(t, err, context.Canceled)
}

// foldedRangeFixture folds two function identities onto 0x1000 and puts a
// plain data symbol behind them.
//
//	0x1000..0x1040  f_one (canonical) / f_two (folded away)
//	0x1080..0x10A0  table
func foldedRangeFixture() *debuginfotest.Provider {
	return debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f_one"},
		debuginfo.Record{ID: 2, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0, Name: "f_two"},
		debuginfo.Record{ID: 3, Kind: debuginfo.KindData, RVA: 0x1080, Length: 0x20, Name: "table", Data: debuginfo.DataStatic},
	)
}

func TestFindInRange_FoldPointYieldsDuplicates(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x1000, 0x100)))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "f_one", got[0].Symbol.Name())
	assert.Equal(t, uint32(0x40), got[0].CumulativeBytes)

	// The folded duplicate occupies no bytes of its own: it carries the
	// canonical owner's end offset.
	assert.Equal(t, "f_two", got[1].Symbol.Name())
	assert.Equal(t, uint32(0x40), got[1].CumulativeBytes)

	assert.Equal(t, "table", got[2].Symbol.Name())
	assert.Equal(t, uint32(0xA0), got[2].CumulativeBytes)
}

func TestFindInRange_CanonicalFirstRegardlessOfStreamOrder(t *testing.T) {
	// The data record precedes the function in provider order, so it is
	// the record that triggers the fold point; the function must still be
	// yielded first.
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindData, RVA: 0x1000, Length: 0x20, Name: "overlay", Data: debuginfo.DataStatic},
		debuginfo.Record{ID: 2, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	s := newTestSession(t, p)

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x1000, 0x100)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f", got[0].Symbol.Name())
	assert.Equal(t, "overlay", got[1].Symbol.Name())
	assert.Equal(t, got[0].CumulativeBytes, got[1].CumulativeBytes)
}

func TestFindInRange_SameNameDuplicatesSuppressed(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
		debuginfo.Record{ID: 2, Kind: debuginfo.KindPublic, RVA: 0x1000, Length: 0, Name: "dup"},
		debuginfo.Record{ID: 3, Kind: debuginfo.KindPublic, RVA: 0x1000, Length: 0, Name: "dup"},
	)
	s := newTestSession(t, p)

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x1000, 0x100)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "f", got[0].Symbol.Name())
	assert.Equal(t, "dup", got[1].Symbol.Name())
}

func TestFindInRange_PartialSpanExcluded(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "inside"},
		// Starts inside the range but runs past its end.
		debuginfo.Record{ID: 2, Kind: debuginfo.KindFunction, RVA: 0x10C0, Length: 0x80, Name: "straddler"},
	)
	s := newTestSession(t, p)

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x1000, 0x100)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "inside", got[0].Symbol.Name())
}

func TestFindInRange_NestedSymbolsSkipped(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindData, RVA: 0x1000, Length: 0x40, Name: "outer", Data: debuginfo.DataStatic},
		debuginfo.Record{ID: 2, Kind: debuginfo.KindData, RVA: 0x1010, Length: 0x8, Name: "inner", Data: debuginfo.DataStatic},
		debuginfo.Record{ID: 3, Kind: debuginfo.KindData, RVA: 0x1040, Length: 0x8, Name: "next", Data: debuginfo.DataStatic},
	)
	s := newTestSession(t, p)

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x1000, 0x100)))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "outer", got[0].Symbol.Name())
	assert.Equal(t, uint32(0x40), got[0].CumulativeBytes)
	assert.Equal(t, "next", got[1].Symbol.Name())
	assert.Equal(t, uint32(0x48), got[1].CumulativeBytes)
}

func TestFindInRange_BeforeRangeIgnored(t *testing.T) {
	p := debuginfotest.NewProvider(arch.ARM).Add(
		// Thumb bit set: the raw address sits in range, the normalized
		// one does not.
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x0FFF, Length: 0x10, Name: "before"},
		debuginfo.Record{ID: 2, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x10, Name: "at"},
	)
	s := newTestSession(t, p)

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x0FFF, 0x100)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "at", got[0].Symbol.Name())
}

func TestFindInRange_Restartable(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())
	rng := mustRange(t, 0x1000, 0x100)

	first, err := iter.Slice(s.FindInRange(context.Background(), rng))
	require.NoError(t, err)
	second, err := iter.Slice(s.FindInRange(context.Background(), rng))
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Same(t, first[i].Symbol, second[i].Symbol)
		assert.Equal(t, first[i].CumulativeBytes, second[i].CumulativeBytes)
	}
}

func TestFindInRange_EmptyRange(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())

	got, err := iter.Slice(s.FindInRange(context.Background(), mustRange(t, 0x8000, 0x100)))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFindInRange_Cancelled(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	before, err := s.Stats()
	require.NoError(t, err)

	it := s.FindInRange(ctx, mustRange(t, 0x1000, 0x100))
	assert.False(t, it.Next())
	require.ErrorIs(t, it.Err(), context.Canceled)
	require.NoError(t, it.Close())

	// An interrupted walk constructs nothing: the caches hold only fully
	// built entities, never partial ones.
	after, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.SymbolsBuilt, after.SymbolsBuilt)
}
