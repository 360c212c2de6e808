package main

import (
	"context"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/debuginfo/peparse"
	"github.com/sizescope/sizescope/pkg/debuginfo/replay"
	"github.com/sizescope/sizescope/pkg/symbols"
	"github.com/sizescope/sizescope/pkg/util"
	"github.com/sizescope/sizescope/pkg/util/build"
)

// openProvider sniffs the input format: PE images start with the MZ magic,
// anything else is treated as a replay dump (plain or gzipped NDJSON).
func openProvider(fsys afero.Fs, path string, l log.Logger) (debuginfo.Provider, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}
	magic := make([]byte, 2)
	n, _ := f.Read(magic)
	if cerr := f.Close(); cerr != nil {
		return nil, cerr
	}
	if n == 2 && magic[0] == 'M' && magic[1] == 'Z' {
		return peparse.OpenFile(fsys, path, l)
	}
	return replay.OpenFile(fsys, path, l)
}

// buildSession opens path and starts an analysis session over it. The
// session must be used from the calling goroutine only.
func buildSession(ctx context.Context, fsys afero.Fs, path string, ecfg symbols.Config) (*symbols.Session, debuginfo.Provider, error) {
	l := util.LoggerWithBinary(path, logger)
	p, err := openProvider(fsys, path, l)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "opening %s", path)
	}
	reg := prometheus.NewRegistry()
	util.Register(reg, build.NewCollector("sizescope"))
	s, err := symbols.New(ctx, l, p, ecfg, reg)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "analyzing %s", path)
	}
	return s, p, nil
}
