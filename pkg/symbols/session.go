// Package symbols turns a provider's raw record stream into canonical,
// deduplicated size attribution: which named construct owns each byte of
// the binary, with COMDAT-folded duplicates collapsed onto one owner.
package symbols

import (
	"context"
	"crypto/rand"
	"flag"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/rva"
	"github.com/sizescope/sizescope/pkg/util"
)

const (
	defaultInlineGapTolerance = 8
	defaultNearestCacheSize   = 512
	defaultRecursionBudget    = 100
)

// Config holds the session tunables.
type Config struct {
	// InlineGapTolerance is the maximum padding, in bytes, merged away when
	// coalescing the line ranges of one inline site.
	InlineGapTolerance uint32 `yaml:"inline_gap_tolerance"`
	// NearestCacheSize bounds the nearest-symbol lookup cache.
	NearestCacheSize int `yaml:"nearest_cache_size"`
	// RecursionBudget bounds type-graph and lexical-parent recursion.
	RecursionBudget int `yaml:"recursion_budget"`
}

func DefaultConfig() Config {
	return Config{
		InlineGapTolerance: defaultInlineGapTolerance,
		NearestCacheSize:   defaultNearestCacheSize,
		RecursionBudget:    defaultRecursionBudget,
	}
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&c.NearestCacheSize, "symbols.nearest-cache-size", defaultNearestCacheSize, "Entries kept in the nearest-symbol lookup cache.")
	f.IntVar(&c.RecursionBudget, "symbols.recursion-budget", defaultRecursionBudget, "Bound on type-graph and parent-chain recursion depth.")
	c.InlineGapTolerance = defaultInlineGapTolerance
	f.Func("symbols.inline-gap-tolerance", "Maximum padding bytes merged into one inline-site range.", func(v string) error {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return err
		}
		c.InlineGapTolerance = uint32(n)
		return nil
	})
}

func (c Config) withDefaults() Config {
	if c.NearestCacheSize <= 0 {
		c.NearestCacheSize = defaultNearestCacheSize
	}
	if c.RecursionBudget <= 0 {
		c.RecursionBudget = defaultRecursionBudget
	}
	return c
}

// SessionStats is a point-in-time snapshot of session counters.
type SessionStats struct {
	RecordsScanned   uint64
	MalformedRecords uint64
	FoldGroups       uint64
	SymbolsBuilt     uint64
	TypesBuilt       uint64
}

// Session is one analysis of one binary over one provider.
//
// A session is single-writer: it captures its owning goroutine at
// construction and every public entry point asserts it, mirroring the
// provider's call-affinity constraint. Identity caches are append-only for
// the session's lifetime; entries are inserted fully constructed and never
// replaced or removed.
type Session struct {
	id       ulid.ULID
	logger   log.Logger
	provider debuginfo.Provider
	arch     arch.Arch
	cfg      Config
	metrics  *metrics
	owner    uint64

	symbols map[debuginfo.SymIndexID]Symbol
	types   map[debuginfo.TypeIndexID]*TypeSym
	folds   map[uint32]*FoldGroup
	nearest *lru.Cache[uint32, debuginfo.Record]

	recordsScanned   atomic.Uint64
	malformedRecords atomic.Uint64
	symbolsBuilt     atomic.Uint64
	typesBuiltCount  atomic.Uint64
}

// New opens a session: validates the provider's architecture, runs the
// up-front canonicalization pass, and freezes its result. The calling
// goroutine becomes the session owner.
func New(ctx context.Context, logger log.Logger, provider debuginfo.Provider, cfg Config, reg prometheus.Registerer) (*Session, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "symbols.New")
	defer span.Finish()

	if logger == nil {
		logger = log.NewNopLogger()
	}
	cfg = cfg.withDefaults()

	a, err := provider.Architecture()
	if err != nil {
		return nil, errors.Wrap(err, "reading provider architecture")
	}
	if !a.Known() {
		return nil, arch.UnsupportedArchError{Name: a.String()}
	}

	id := ulid.MustNew(ulid.Now(), rand.Reader)
	nearest, err := lru.New[uint32, debuginfo.Record](cfg.NearestCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "creating nearest-symbol cache")
	}

	s := &Session{
		id:       id,
		logger:   util.LoggerWithSession(id.String(), logger),
		provider: provider,
		arch:     a,
		cfg:      cfg,
		metrics:  newMetrics(reg),
		owner:    goroutineID(),
		symbols:  make(map[debuginfo.SymIndexID]Symbol),
		types:    make(map[debuginfo.TypeIndexID]*TypeSym),
		nearest:  nearest,
	}

	start := time.Now()
	if err := s.canonicalPass(ctx); err != nil {
		return nil, err
	}
	s.metrics.foldGroups.Set(float64(len(s.folds)))
	span.SetTag("arch", a.String()).SetTag("fold_groups", len(s.folds))

	level.Debug(s.logger).Log(
		"msg", "session opened",
		"arch", a,
		"records", s.recordsScanned.Load(),
		"malformed", s.malformedRecords.Load(),
		"fold_groups", len(s.folds),
		"elapsed", time.Since(start),
	)
	return s, nil
}

// canonicalPass drains the provider's record stream once, accumulating
// fold candidates per normalized address, and freezes the result. After it
// returns the fold table is read-only.
func (s *Session) canonicalPass(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "symbols.canonicalPass")
	defer span.Finish()

	c := newCanonicalizer()
	it := s.provider.Records(ctx)
	defer it.Close()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := it.At()
		s.recordsScanned.Inc()
		s.metrics.recordsScanned.Inc()

		adjusted, err := arch.AdjustRVA(r.RVA, s.arch)
		if err != nil {
			return err
		}
		if _, rerr := rva.New(adjusted, r.Length); rerr != nil {
			s.rejectRecord(r, "zero-crossing range")
			continue
		}
		c.add(adjusted, r)
	}
	if err := it.Err(); err != nil {
		return errors.Wrap(err, "draining provider records")
	}

	s.folds = c.freeze()
	return nil
}

// rejectRecord downgrades one malformed record to a diagnostic: logged,
// counted, skipped. The session continues.
func (s *Session) rejectRecord(r debuginfo.Record, reason string) {
	s.malformedRecords.Inc()
	s.metrics.malformedRecords.Inc()
	level.Warn(s.logger).Log("msg", "skipping malformed record", "err", MalformedRecordError{
		ID:     r.ID,
		Kind:   r.Kind,
		Reason: reason,
	})
}

// ID identifies the session in logs and metrics.
func (s *Session) ID() ulid.ULID { return s.id }

// Arch is the validated architecture of the binary under analysis.
func (s *Session) Arch() arch.Arch { return s.arch }

// FoldGroups enumerates the frozen canonicalization result in ascending
// address order, for resolver diagnostics.
func (s *Session) FoldGroups() ([]FoldGroup, error) {
	if err := s.assertAffinity(); err != nil {
		return nil, err
	}
	out := make([]FoldGroup, 0, len(s.folds))
	for _, fg := range s.folds {
		out = append(out, *fg)
	}
	sortFoldGroups(out)
	return out, nil
}

// TypeSymbols enumerates every type node constructed so far, in identity
// order.
func (s *Session) TypeSymbols() ([]*TypeSym, error) {
	if err := s.assertAffinity(); err != nil {
		return nil, err
	}
	out := make([]*TypeSym, 0, len(s.types))
	for _, t := range s.types {
		out = append(out, t)
	}
	sortTypeSyms(out)
	return out, nil
}

// Functions enumerates every function constructed so far, in ascending
// address order.
func (s *Session) Functions() ([]*Function, error) {
	if err := s.assertAffinity(); err != nil {
		return nil, err
	}
	var out []*Function
	for _, sym := range s.symbols {
		if f, ok := sym.(*Function); ok {
			out = append(out, f)
		}
	}
	sortFunctions(out)
	return out, nil
}

// Stats snapshots the session counters.
func (s *Session) Stats() (SessionStats, error) {
	if err := s.assertAffinity(); err != nil {
		return SessionStats{}, err
	}
	return SessionStats{
		RecordsScanned:   s.recordsScanned.Load(),
		MalformedRecords: s.malformedRecords.Load(),
		FoldGroups:       uint64(len(s.folds)),
		SymbolsBuilt:     s.symbolsBuilt.Load(),
		TypesBuilt:       s.typesBuiltCount.Load(),
	}, nil
}

// assertAffinity rejects calls from any goroutine other than the session
// owner. The provider is not safe for cross-goroutine use; neither is the
// session, and violating that is a programming error, not a condition to
// retry.
func (s *Session) assertAffinity() error {
	if g := goroutineID(); g != s.owner {
		return AffinityViolationError{Owner: s.owner, Caller: g}
	}
	return nil
}

// goroutineID parses the current goroutine's id from its stack header.
// There is no runtime API for this; the header format ("goroutine N [...")
// is stable across the Go versions we build with.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	i := strings.IndexByte(header, ' ')
	if i <= 0 {
		return 0
	}
	id, err := strconv.ParseUint(header[:i], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
