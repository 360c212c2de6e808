package main

import (
	"context"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo/peparse"
	"github.com/sizescope/sizescope/pkg/debuginfo/replay"
	"github.com/sizescope/sizescope/pkg/util"
)

type dumpParams struct {
	input  string
	output string
}

func addDumpParams(cmd *kingpin.CmdClause) *dumpParams {
	params := new(dumpParams)
	cmd.Arg("input", "PE image to capture.").Required().StringVar(&params.input)
	cmd.Arg("output", "Replay dump to write; a .gz suffix enables compression.").Required().StringVar(&params.output)
	return params
}

// dumpImage captures a parsed PE image as a replay dump, so later analyses
// do not need the image itself. The input must be an image: a dump of a
// dump would silently lose nothing today, but the capture exists to shed
// the PE dependency, not to copy files.
func dumpImage(ctx context.Context, params *dumpParams) error {
	l := util.LoggerWithBinary(params.input, logger)
	p, err := peparse.OpenFile(osFs, params.input, l)
	if err != nil {
		return err
	}
	a, err := p.Architecture()
	if err != nil {
		return err
	}

	f, err := osFs.Create(params.output)
	if err != nil {
		return errors.Wrapf(err, "creating %s", params.output)
	}

	var w *replay.Writer
	if strings.HasSuffix(params.output, ".gz") {
		w = replay.NewGzipWriter(f)
	} else {
		w = replay.NewWriter(f)
	}

	written, err := writeDump(ctx, w, p, a)
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", params.output)
	}

	level.Info(l).Log("msg", "captured replay dump", "path", params.output, "records", written)
	return nil
}

func writeDump(ctx context.Context, w *replay.Writer, p *peparse.Provider, a arch.Arch) (int, error) {
	if err := w.WriteHeader(a, p.Binary()); err != nil {
		return 0, err
	}
	written := 0
	it := p.Records(ctx)
	defer it.Close()
	for it.Next() {
		if err := w.WriteRecord(it.At()); err != nil {
			return written, err
		}
		written++
	}
	return written, it.Err()
}
