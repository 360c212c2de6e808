package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/hashicorp/go-multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/sizescope/sizescope/pkg/debuginfo/peparse"
	"github.com/sizescope/sizescope/pkg/rva"
	"github.com/sizescope/sizescope/pkg/symbols"
	"github.com/sizescope/sizescope/pkg/util"
)

type analyzeParams struct {
	inputs      []string
	top         int
	concurrency util.ConcurrencyLimit
}

func addAnalyzeParams(cmd *kingpin.CmdClause) *analyzeParams {
	params := &analyzeParams{concurrency: *util.GoMaxProcsConcurrencyLimit()}
	cmd.Arg("input", "PE images or replay dumps to analyze.").Required().StringsVar(&params.inputs)
	cmd.Flag("top", "Number of largest functions listed per input.").Default("15").IntVar(&params.top)
	cmd.Flag("concurrency", "How many inputs to analyze in parallel; a number or 'auto'.").Default("auto").SetValue(&params.concurrency)
	return params
}

// analyze fans the inputs out over a bounded worker group. Each worker owns
// its session end to end (sessions are goroutine-affine) and renders into
// its own buffer; reports are printed in input order once all workers are
// done, and per-input failures are aggregated instead of aborting the rest.
func analyze(ctx context.Context, params *analyzeParams, ecfg symbols.Config) error {
	reports := make([]*bytes.Buffer, len(params.inputs))
	failures := make([]error, len(params.inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(int(params.concurrency))
	for i, path := range params.inputs {
		i, path := i, path
		reports[i] = new(bytes.Buffer)
		g.Go(func() error {
			failures[i] = util.RecoverPanic(func() error {
				return analyzeOne(gctx, osFs, path, ecfg, params.top, reports[i])
			})()
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	out := output(ctx)
	for i, path := range params.inputs {
		if failures[i] != nil {
			fmt.Fprintln(consoleOutput, color.RedString("error:"), path+":", failures[i])
			merr = multierror.Append(merr, errors.Wrap(failures[i], path))
			continue
		}
		_, _ = reports[i].WriteTo(out)
	}
	return merr.ErrorOrNil()
}

func analyzeOne(ctx context.Context, fsys afero.Fs, path string, ecfg symbols.Config, top int, out io.Writer) error {
	s, p, err := buildSession(ctx, fsys, path, ecfg)
	if err != nil {
		return err
	}

	mix, covered, err := walkAll(ctx, s)
	if err != nil {
		return err
	}
	stats, err := s.Stats()
	if err != nil {
		return err
	}
	fns, err := s.Functions()
	if err != nil {
		return err
	}

	complexCount := lo.CountBy(fns, func(f *symbols.Function) bool { return f.Complex() })
	codeBytes := lo.SumBy(fns, func(f *symbols.Function) uint64 { return f.FullSize() })

	fmt.Fprintf(out, "%s %s (%s)\n", color.CyanString("==="), path, s.Arch())
	fmt.Fprintf(out, "records: %s scanned, %d malformed; fold groups: %d; span attributed: %s\n",
		humanize.Comma(int64(stats.RecordsScanned)), stats.MalformedRecords,
		stats.FoldGroups, humanize.Bytes(uint64(covered)))
	fmt.Fprintf(out, "symbols: %s built (%s); types: %d\n",
		humanize.Comma(int64(stats.SymbolsBuilt)), mix, stats.TypesBuilt)
	fmt.Fprintf(out, "functions: %d total, %d complex, %s of code\n",
		len(fns), complexCount, humanize.Bytes(codeBytes))

	if pe, ok := p.(*peparse.Provider); ok {
		renderSections(out, pe.Sections())
	}
	renderTopFunctions(out, fns, top)
	fmt.Fprintln(out)
	return nil
}

// walkAll drives the attribution walk over the whole address space,
// constructing every reachable symbol entity. It reports the per-kind yield
// mix and the highest covered end offset.
func walkAll(ctx context.Context, s *symbols.Session) (string, uint32, error) {
	var (
		kinds   = make(map[symbols.SymbolKind]int)
		covered uint32
	)
	it := s.FindInRange(ctx, rva.Range{Length: math.MaxUint32})
	defer it.Close()
	for it.Next() {
		at := it.At()
		kinds[at.Symbol.SymKind()]++
		covered = at.CumulativeBytes
	}
	if err := it.Err(); err != nil {
		return "", 0, err
	}

	parts := lo.MapToSlice(kinds, func(k symbols.SymbolKind, n int) string {
		return fmt.Sprintf("%s=%d", k, n)
	})
	sort.Strings(parts)
	if len(parts) == 0 {
		return "none", 0, nil
	}
	return strings.Join(parts, " "), covered, nil
}

func renderSections(out io.Writer, sections []peparse.Section) {
	if len(sections) == 0 {
		return
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Section", "RVA", "VirtSize", "RawSize", "Exec"})
	for _, s := range sections {
		exec := ""
		if s.Execute {
			exec = "x"
		}
		table.Append([]string{
			s.Name,
			hexRVA(s.RVA),
			humanize.Bytes(uint64(s.VirtualSize)),
			humanize.Bytes(uint64(s.RawSize)),
			exec,
		})
	}
	table.Render()
}

func renderTopFunctions(out io.Writer, fns []*symbols.Function, top int) {
	if len(fns) == 0 || top == 0 {
		return
	}
	bySize := make([]*symbols.Function, len(fns))
	copy(bySize, fns)
	sort.SliceStable(bySize, func(i, j int) bool { return bySize[i].FullSize() > bySize[j].FullSize() })
	if top > 0 && top < len(bySize) {
		bySize = bySize[:top]
	}

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Function", "RVA", "Size", "Full Size", "Blocks"})
	for _, f := range bySize {
		table.Append([]string{
			f.Name(),
			hexRVA(f.RVA()),
			humanize.Bytes(uint64(f.Size())),
			humanize.Bytes(f.FullSize()),
			fmt.Sprintf("%d", len(f.SeparatedBlocks)),
		})
	}
	table.Render()
}

func hexRVA(at uint32) string {
	return fmt.Sprintf("0x%08x", at)
}
