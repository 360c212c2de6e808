package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/rva"
	"github.com/sizescope/sizescope/pkg/symbols"
)

type lookupParams struct {
	input   string
	address string
	nearest bool
}

func addLookupParams(cmd *kingpin.CmdClause) *lookupParams {
	params := new(lookupParams)
	cmd.Arg("input", "PE image or replay dump.").Required().StringVar(&params.input)
	cmd.Arg("rva", "Address to resolve, decimal or 0x-prefixed hex.").Required().StringVar(&params.address)
	cmd.Flag("nearest", "Fall back to the closest preceding symbol when the address is in a gap.").BoolVar(&params.nearest)
	return params
}

func lookupSymbol(ctx context.Context, params *lookupParams, ecfg symbols.Config) error {
	at, err := parseRVA(params.address)
	if err != nil {
		return err
	}
	s, _, err := buildSession(ctx, osFs, params.input, ecfg)
	if err != nil {
		return err
	}

	sym, found, err := s.FindByRVA(ctx, at, params.nearest)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("no symbol covers %s", hexRVA(at))
	}

	out := output(ctx)
	if !symbolCovers(sym, at, s.Arch()) {
		fmt.Fprintf(out, "nearest preceding symbol for %s:\n", hexRVA(at))
	}
	renderSymbol(ctx, out, s, sym)
	return nil
}

// symbolCovers reports whether at falls inside the symbol's own bytes.
// A nearest-mode hit can land past the symbol's end; the report should say
// so rather than imply the address is owned.
func symbolCovers(sym symbols.Symbol, at uint32, a arch.Arch) bool {
	q, err := arch.AdjustRVA(at, a)
	if err != nil {
		return true
	}
	start, err := arch.AdjustRVA(sym.RVA(), a)
	if err != nil {
		return true
	}
	if q == start {
		return true
	}
	return q > start && q-start < sym.Size()
}

// renderSymbol prints one symbol's identity followed by kind-specific
// detail: block membership for functions, the owner for blocks, the type
// for data, and the fold group when other names share the address.
func renderSymbol(ctx context.Context, out io.Writer, s *symbols.Session, sym symbols.Symbol) {
	fmt.Fprintf(out, "symbol: %s\n", sym.Name())
	fmt.Fprintf(out, "kind:   %s\n", sym.SymKind())
	fmt.Fprintf(out, "rva:    %s\n", hexRVA(sym.RVA()))
	sizeNote := ""
	if sym.VirtualSizeOnly() {
		sizeNote = " (virtual only, no disk bytes)"
	}
	fmt.Fprintf(out, "size:   %s (0x%x)%s\n", humanize.Bytes(uint64(sym.Size())), sym.Size(), sizeNote)

	switch v := sym.(type) {
	case *symbols.Function:
		renderFunctionDetail(ctx, out, s, v)
	case *symbols.CodeBlock:
		fmt.Fprintf(out, "owner:  %s at %s\n", v.Owner.Name(), hexRVA(v.Owner.RVA()))
	case *symbols.DataSymbol:
		if v.Type != nil {
			fmt.Fprintf(out, "type:   %s\n", v.Type.Name())
		}
	case *symbols.InlineSite:
		fmt.Fprintf(out, "host:   %s (canonical %s)\n", v.InlinedInto.Name(), v.CanonicalOwnerName)
		for _, r := range v.Ranges {
			fmt.Fprintf(out, "range:  %s + 0x%x\n", hexRVA(r.Start), r.Length)
		}
	}

	renderFoldMembership(out, s, sym)
}

func renderFunctionDetail(ctx context.Context, out io.Writer, s *symbols.Session, f *symbols.Function) {
	shape := "simple"
	if f.Complex() {
		shape = fmt.Sprintf("complex, %d separated blocks", len(f.SeparatedBlocks))
	}
	fmt.Fprintf(out, "shape:  %s\n", shape)
	fmt.Fprintf(out, "full:   %s across all blocks\n", humanize.Bytes(f.FullSize()))
	if f.Type != nil {
		fmt.Fprintf(out, "type:   %s\n", f.Type.Name())
	}
	for _, b := range f.SeparatedBlocks {
		fmt.Fprintf(out, "block:  %s + 0x%x\n", hexRVA(b.RVA()), b.Size())
	}

	sites, err := s.InlineSites(ctx, f)
	if err != nil {
		fmt.Fprintf(out, "inline: unavailable (%v)\n", err)
		return
	}
	for _, site := range sites {
		fmt.Fprintf(out, "inline: %s (%s)\n", site.Name(), humanize.Bytes(uint64(site.Size())))
	}
}

func renderFoldMembership(out io.Writer, s *symbols.Session, sym symbols.Symbol) {
	groups, err := s.FoldGroups()
	if err != nil {
		return
	}
	adjusted, err := arch.AdjustRVA(sym.RVA(), s.Arch())
	if err != nil {
		return
	}
	for _, g := range groups {
		if g.RVA != adjusted {
			continue
		}
		others := lo.FilterMap(g.Candidates, func(c symbols.Candidate, _ int) (string, bool) {
			return c.Name, c.Name != sym.Name()
		})
		if len(others) > 0 {
			fmt.Fprintf(out, "folded: %s\n", strings.Join(others, ", "))
		}
		return
	}
}

type rangeParams struct {
	input  string
	start  string
	length string
}

func addRangeParams(cmd *kingpin.CmdClause) *rangeParams {
	params := new(rangeParams)
	cmd.Arg("input", "PE image or replay dump.").Required().StringVar(&params.input)
	cmd.Flag("start", "First rva of the window, decimal or 0x-prefixed hex.").Required().StringVar(&params.start)
	cmd.Flag("length", "Window length in bytes.").Required().StringVar(&params.length)
	return params
}

func rangeWalk(ctx context.Context, params *rangeParams, ecfg symbols.Config) error {
	start, err := parseRVA(params.start)
	if err != nil {
		return err
	}
	length, err := parseRVA(params.length)
	if err != nil {
		return err
	}
	window, err := rva.New(start, length)
	if err != nil {
		return err
	}

	s, _, err := buildSession(ctx, osFs, params.input, ecfg)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Symbol", "Kind", "RVA", "Size", "Cumulative"})
	it := s.FindInRange(ctx, window)
	defer it.Close()
	for it.Next() {
		at := it.At()
		table.Append([]string{
			at.Symbol.Name(),
			at.Symbol.SymKind().String(),
			hexRVA(at.Symbol.RVA()),
			humanize.Bytes(uint64(at.Symbol.Size())),
			humanize.Bytes(uint64(at.CumulativeBytes)),
		})
	}
	if err := it.Err(); err != nil {
		return err
	}
	table.Render()
	return nil
}

// parseRVA accepts the usual address spellings: bare decimal, 0x hex, 0o
// octal, 0b binary. Values must fit the 32-bit image address space.
func parseRVA(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "address %q", s)
	}
	return uint32(v), nil
}
