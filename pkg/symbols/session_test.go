package symbols

import (
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/debuginfo/debuginfotest"
)

func TestSession_UnsupportedArchitecture(t *testing.T) {
	p := debuginfotest.NewProvider(arch.Unknown)

	var unsupported arch.UnsupportedArchError
	_, err := New(context.Background(), nil, p, DefaultConfig(), nil)
	require.ErrorAs(t, err, &unsupported)
}

func TestSession_CancelledDuringCanonicalPass(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x40, Name: "f"},
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(ctx, nil, p, DefaultConfig(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSession_RejectsForeignGoroutine(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())

	errc := make(chan error, 1)
	go func() {
		_, _, err := s.FindByRVA(context.Background(), 0x1000, false)
		errc <- err
	}()

	var av AffinityViolationError
	require.ErrorAs(t, <-errc, &av)
	assert.Equal(t, s.owner, av.Owner)
	assert.NotEqual(t, av.Owner, av.Caller)

	// The owning goroutine is unaffected.
	_, ok, err := s.FindByRVA(context.Background(), 0x1000, false)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSession_RangeWalkRejectsForeignGoroutine(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())
	rng := mustRange(t, 0x1000, 0x100)

	errc := make(chan error, 1)
	go func() {
		it := s.FindInRange(context.Background(), rng)
		defer it.Close()
		for it.Next() {
		}
		errc <- it.Err()
	}()

	var av AffinityViolationError
	require.ErrorAs(t, <-errc, &av)
}

func TestSession_EnumerationRejectsForeignGoroutine(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())

	errc := make(chan error, 3)
	go func() {
		_, err := s.FoldGroups()
		errc <- err
		_, err = s.Functions()
		errc <- err
		_, err = s.Stats()
		errc <- err
	}()

	var av AffinityViolationError
	for i := 0; i < 3; i++ {
		require.ErrorAs(t, <-errc, &av)
	}
}

func TestSession_Stats(t *testing.T) {
	s := newTestSession(t, foldedRangeFixture())

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.RecordsScanned)
	assert.Equal(t, uint64(1), stats.FoldGroups)
	assert.Zero(t, stats.MalformedRecords)
	assert.Zero(t, stats.SymbolsBuilt)

	_, ok, err := s.FindByRVA(context.Background(), 0x1080, false)
	require.NoError(t, err)
	require.True(t, ok)

	stats, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.SymbolsBuilt)
}

func TestSession_FoldGroupsSorted(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64).Add(
		debuginfo.Record{ID: 1, Kind: debuginfo.KindFunction, RVA: 0x3000, Length: 0x10, Name: "late"},
		debuginfo.Record{ID: 2, Kind: debuginfo.KindPublic, RVA: 0x3000, Length: 0, Name: "public: late"},
		debuginfo.Record{ID: 3, Kind: debuginfo.KindFunction, RVA: 0x1000, Length: 0x10, Name: "early"},
		debuginfo.Record{ID: 4, Kind: debuginfo.KindPublic, RVA: 0x1000, Length: 0, Name: "public: early"},
	)
	s := newTestSession(t, p)

	groups, err := s.FoldGroups()
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, uint32(0x1000), groups[0].RVA)
	assert.Equal(t, "early", groups[0].Canonical.Name)
	assert.Equal(t, uint32(0x3000), groups[1].RVA)
	assert.Equal(t, "late", groups[1].Canonical.Name)
}

func TestSession_DistinctIDs(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64)
	a := newTestSession(t, p)
	b := newTestSession(t, p)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestConfig_Defaults(t *testing.T) {
	p := debuginfotest.NewProvider(arch.X64)
	s, err := New(context.Background(), nil, p, Config{}, nil)
	require.NoError(t, err)

	assert.Equal(t, defaultNearestCacheSize, s.cfg.NearestCacheSize)
	assert.Equal(t, defaultRecursionBudget, s.cfg.RecursionBudget)
}

func TestConfig_RegisterFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var cfg Config
	cfg.RegisterFlags(fs)

	require.NoError(t, fs.Parse([]string{
		"-symbols.inline-gap-tolerance=16",
		"-symbols.nearest-cache-size=64",
		"-symbols.recursion-budget=10",
	}))
	assert.Equal(t, uint32(16), cfg.InlineGapTolerance)
	assert.Equal(t, 64, cfg.NearestCacheSize)
	assert.Equal(t, 10, cfg.RecursionBudget)
}

func TestConfig_RegisterFlagsDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var cfg Config
	cfg.RegisterFlags(fs)

	require.NoError(t, fs.Parse(nil))
	assert.Equal(t, uint32(defaultInlineGapTolerance), cfg.InlineGapTolerance)
	assert.Equal(t, defaultNearestCacheSize, cfg.NearestCacheSize)
	assert.Equal(t, defaultRecursionBudget, cfg.RecursionBudget)
}
