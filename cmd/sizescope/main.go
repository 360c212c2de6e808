package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/sizescope/sizescope/pkg/symbols"
	"github.com/sizescope/sizescope/pkg/util"
)

var cfg struct {
	verbose    bool
	configFile string
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
	osFs          = afero.NewOsFs()
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Attributes every byte of a compiled binary to a named program construct, for diagnosing binary-size regressions.").UsageWriter(os.Stdout)
	app.Version(version.Print("sizescope"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)
	app.Flag("config", "Path to a YAML file with engine tunables (inline_gap_tolerance, nearest_cache_size, recursion_budget).").StringVar(&cfg.configFile)

	analyzeCmd := app.Command("analyze", "Analyze one or more binaries or symbol dumps and report their size attribution.")
	analyzeParams := addAnalyzeParams(analyzeCmd)

	lookupCmd := app.Command("lookup", "Look up the symbol at an address.")
	lookupParams := addLookupParams(lookupCmd)

	rangeCmd := app.Command("range", "Walk the symbols inside an address range.")
	rangeParams := addRangeParams(rangeCmd)

	foldsCmd := app.Command("folds", "List addresses where multiple symbols fold together, with their canonical pick.")
	foldsParams := addFoldsParams(foldsCmd)

	typesCmd := app.Command("types", "List the type symbols reachable from the binary's records.")
	typesParams := addTypesParams(typesCmd)

	functionsCmd := app.Command("functions", "List functions with their primary and separated-block sizes.")
	functionsParams := addFunctionsParams(functionsCmd)

	dumpCmd := app.Command("dump", "Capture a PE image's records into a replayable symbol dump.")
	dumpParams := addDumpParams(dumpCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	lvl := "info"
	if cfg.verbose {
		lvl = "debug"
	}
	logger = util.NewCLILogger(lvl)

	engineCfg, err := loadEngineConfig(cfg.configFile)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case analyzeCmd.FullCommand():
		os.Exit(checkError(analyze(ctx, analyzeParams, engineCfg)))
	case lookupCmd.FullCommand():
		os.Exit(checkError(lookupSymbol(ctx, lookupParams, engineCfg)))
	case rangeCmd.FullCommand():
		os.Exit(checkError(rangeWalk(ctx, rangeParams, engineCfg)))
	case foldsCmd.FullCommand():
		os.Exit(checkError(listFolds(ctx, foldsParams, engineCfg)))
	case typesCmd.FullCommand():
		os.Exit(checkError(listTypes(ctx, typesParams, engineCfg)))
	case functionsCmd.FullCommand():
		os.Exit(checkError(listFunctions(ctx, functionsParams, engineCfg)))
	case dumpCmd.FullCommand():
		os.Exit(checkError(dumpImage(ctx, dumpParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
		os.Exit(1)
	}
}

func loadEngineConfig(path string) (symbols.Config, error) {
	c := symbols.DefaultConfig()
	if path == "" {
		return c, nil
	}
	raw, err := afero.ReadFile(osFs, path)
	if err != nil {
		return c, err
	}
	if err := util.YAMLUnmarshalStrict(raw, &c); err != nil {
		return c, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
