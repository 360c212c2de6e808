package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sizescope/sizescope/pkg/arch"
	"github.com/sizescope/sizescope/pkg/debuginfo"
	"github.com/sizescope/sizescope/pkg/debuginfo/replay"
	"github.com/sizescope/sizescope/pkg/symbols"
)

func TestParseRVA(t *testing.T) {
	for _, tc := range []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{in: "0x1000", want: 0x1000},
		{in: "4096", want: 4096},
		{in: "0b101", want: 5},
		{in: "0o17", want: 15},
		{in: "zz", wantErr: true},
		{in: "", wantErr: true},
		{in: "0x1ffffffff", wantErr: true},
		{in: "-1", wantErr: true},
	} {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseRVA(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestOpenProvider_SniffsFormat(t *testing.T) {
	fs := afero.NewMemMapFs()
	l := log.NewNopLogger()

	var dump bytes.Buffer
	w := replay.NewWriter(&dump)
	require.NoError(t, w.WriteHeader(arch.X64, "sniffed"))
	require.NoError(t, w.WriteRecord(debuginfo.Record{
		ID:     1,
		Kind:   debuginfo.KindFunction,
		Name:   "main",
		RVA:    0x1000,
		Length: 0x40,
	}))
	require.NoError(t, w.Close())
	require.NoError(t, afero.WriteFile(fs, "records.ndjson", dump.Bytes(), 0o644))

	p, err := openProvider(fs, "records.ndjson", l)
	require.NoError(t, err)
	assert.IsType(t, &replay.Provider{}, p)

	// An MZ magic routes to the PE parser; the junk body must then fail as
	// an image, not fall back to the dump reader.
	require.NoError(t, afero.WriteFile(fs, "broken.exe", []byte("MZ garbage"), 0o644))
	_, err = openProvider(fs, "broken.exe", l)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing image")

	_, err = openProvider(fs, "missing.bin", l)
	require.Error(t, err)
}

func TestLoadEngineConfig(t *testing.T) {
	t.Run("empty path keeps defaults", func(t *testing.T) {
		c, err := loadEngineConfig("")
		require.NoError(t, err)
		assert.Equal(t, symbols.DefaultConfig(), c)
	})

	t.Run("file overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.yaml")
		require.NoError(t, os.WriteFile(path, []byte("inline_gap_tolerance: 3\nrecursion_budget: 7\n"), 0o644))
		c, err := loadEngineConfig(path)
		require.NoError(t, err)
		assert.Equal(t, uint32(3), c.InlineGapTolerance)
		assert.Equal(t, 7, c.RecursionBudget)
		assert.Equal(t, symbols.DefaultConfig().NearestCacheSize, c.NearestCacheSize)
	})

	t.Run("unknown keys rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.yaml")
		require.NoError(t, os.WriteFile(path, []byte("inline_gap_tolerence: 3\n"), 0o644))
		_, err := loadEngineConfig(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), path)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := loadEngineConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
	})
}
