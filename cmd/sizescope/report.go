package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/sizescope/sizescope/pkg/symbols"
)

type reportParams struct {
	input string
}

func addFoldsParams(cmd *kingpin.CmdClause) *reportParams {
	params := new(reportParams)
	cmd.Arg("input", "PE image or replay dump.").Required().StringVar(&params.input)
	return params
}

// listFolds prints the fold table. Fold groups are frozen at session
// construction, so no attribution walk is needed first.
func listFolds(ctx context.Context, params *reportParams, ecfg symbols.Config) error {
	s, _, err := buildSession(ctx, osFs, params.input, ecfg)
	if err != nil {
		return err
	}
	groups, err := s.FoldGroups()
	if err != nil {
		return err
	}

	out := output(ctx)
	if len(groups) == 0 {
		fmt.Fprintln(out, "no folded symbols")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"RVA", "Canonical", "Kind", "Folded Names", "Fingerprint"})
	for _, g := range groups {
		names := lo.Map(g.Candidates, func(c symbols.Candidate, _ int) string { return c.Name })
		table.Append([]string{
			hexRVA(g.RVA),
			g.Canonical.Name,
			g.Canonical.Kind.String(),
			strings.Join(names, ", "),
			fmt.Sprintf("%016x", g.Fingerprint),
		})
	}
	table.Render()
	return nil
}

func addTypesParams(cmd *kingpin.CmdClause) *reportParams {
	params := new(reportParams)
	cmd.Arg("input", "Replay dump with type records.").Required().StringVar(&params.input)
	return params
}

func listTypes(ctx context.Context, params *reportParams, ecfg symbols.Config) error {
	s, _, err := buildSession(ctx, osFs, params.input, ecfg)
	if err != nil {
		return err
	}
	// Types materialize as typed symbols are built; walk everything first.
	if _, _, err := walkAll(ctx, s); err != nil {
		return err
	}
	types, err := s.TypeSymbols()
	if err != nil {
		return err
	}

	out := output(ctx)
	if len(types) == 0 {
		fmt.Fprintln(out, "no type records in this input")
		return nil
	}
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Type", "Kind", "Size"})
	for _, t := range types {
		table.Append([]string{
			t.Name(),
			t.Kind.String(),
			humanize.Bytes(uint64(t.Size)),
		})
	}
	table.Render()
	return nil
}

type functionsParams struct {
	input       string
	top         int
	complexOnly bool
}

func addFunctionsParams(cmd *kingpin.CmdClause) *functionsParams {
	params := new(functionsParams)
	cmd.Arg("input", "PE image or replay dump.").Required().StringVar(&params.input)
	cmd.Flag("top", "Number of functions listed; 0 lists all.").Default("0").IntVar(&params.top)
	cmd.Flag("complex", "List only functions with separated blocks.").BoolVar(&params.complexOnly)
	return params
}

func listFunctions(ctx context.Context, params *functionsParams, ecfg symbols.Config) error {
	s, _, err := buildSession(ctx, osFs, params.input, ecfg)
	if err != nil {
		return err
	}
	if _, _, err := walkAll(ctx, s); err != nil {
		return err
	}
	fns, err := s.Functions()
	if err != nil {
		return err
	}
	if params.complexOnly {
		fns = lo.Filter(fns, func(f *symbols.Function, _ int) bool { return f.Complex() })
	}

	out := output(ctx)
	if len(fns) == 0 {
		fmt.Fprintln(out, "no functions")
		return nil
	}
	top := params.top
	if top <= 0 {
		top = len(fns)
	}
	renderTopFunctions(out, fns, top)
	return nil
}
