package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/tech-arch1tect/berth-unpack/config"
	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/extract"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

const usageText = `Usage: berth-unpack <command> [flags]

Commands:
  extract <archive> <output>               extract an archive into output
  unpack-package <archive> <destination>   extract a package and remap it into destination
  list <archive>                           list archive entries
  serve                                    run the HTTP API, websocket feed and inbox watcher

Run "berth-unpack <command> --help" for command flags.
`

type commonFlags struct {
	configFile      string
	logLevel        string
	skipUnsupported bool
	cleanup         bool
}

func (f *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	fs.StringVar(&f.logLevel, "log-level", "warn", "log level for diagnostics on stderr")
	fs.BoolVar(&f.skipUnsupported, "skip-unsupported", false, "skip entries with unsupported compression instead of failing")
	fs.BoolVar(&f.cleanup, "cleanup", false, "remove the output directory when extraction fails")
}

// service builds an extraction service from the environment, the config
// file and the command line, in that order of precedence.
func (f *commonFlags) service() (*extract.Service, *logging.Logger, error) {
	cfg, err := config.NewConfig()
	if err != nil {
		return nil, nil, err
	}
	if f.configFile != "" {
		if err := cfg.LoadFile(f.configFile); err != nil {
			return nil, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	logger, err := logging.NewLoggerTo(f.logLevel, "stderr")
	if err != nil {
		return nil, nil, err
	}

	runner, err := extract.NewRunnerFromConfig(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	opts, err := extract.OptionsFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	if f.skipUnsupported {
		opts.SkipUnsupported = true
	}
	if f.cleanup {
		opts.CleanupOnFailure = true
	}
	return extract.NewService(opts, runner, logger), logger, nil
}

func runCLI(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "extract":
		return runExtract(ctx, args[1:], stdout, stderr)
	case "unpack-package":
		return runUnpackPackage(ctx, args[1:], stdout, stderr)
	case "list":
		return runList(ctx, args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
		return 0
	default:
		fmt.Fprintf(stderr, "berth-unpack: unknown command %q\n\n%s", args[0], usageText)
		return 1
	}
}

// newFlagSet returns a flag set whose usage line names the command and its
// positional arguments.
func newFlagSet(name, positional string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: berth-unpack %s %s [flags]\n\nFlags:\n", name, positional)
		fs.PrintDefaults()
	}
	return fs
}

// parse returns -1 when parsing succeeded, otherwise the exit status.
func parse(fs *pflag.FlagSet, args []string, want int, stderr io.Writer) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != want {
		fmt.Fprintf(stderr, "berth-unpack %s: expected %d arguments, got %d\n", fs.Name(), want, fs.NArg())
		fs.Usage()
		return 1
	}
	return -1
}

func runExtract(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("extract", "<archive> <output>", stderr)
	var common commonFlags
	common.register(fs)
	formatName := fs.StringP("format", "f", "detect", "archive format (zip, rar, tar, gzip, 7z, tar.gz, tar.xz, tar.zst, tar.lz4, tar.bz2, detect)")
	progress := fs.BoolP("progress", "p", false, "print per-entry progress on stderr")
	if code := parse(fs, args, 2, stderr); code >= 0 {
		return code
	}

	format, err := archive.ParseFormat(*formatName)
	if err != nil {
		fmt.Fprintf(stderr, "berth-unpack extract: %v\n", err)
		return 1
	}
	service, logger, err := common.service()
	if err != nil {
		fmt.Fprintf(stderr, "berth-unpack extract: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	var opts []extract.RunOption
	if *progress {
		opts = append(opts, extract.WithListener(archive.NewProgressListener(&stderrProgress{w: stderr})))
	}

	res := service.Extract(ctx, fs.Arg(0), fs.Arg(1), format, opts...)
	return report(res, "extract", fs.Arg(1), stdout, stderr)
}

func runUnpackPackage(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("unpack-package", "<archive> <destination>", stderr)
	var common commonFlags
	common.register(fs)
	progress := fs.BoolP("progress", "p", false, "print per-entry progress on stderr")
	if code := parse(fs, args, 2, stderr); code >= 0 {
		return code
	}

	service, logger, err := common.service()
	if err != nil {
		fmt.Fprintf(stderr, "berth-unpack unpack-package: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	var opts []extract.RunOption
	if *progress {
		opts = append(opts, extract.WithListener(archive.NewProgressListener(&stderrProgress{w: stderr})))
	}

	res := service.UnpackPackage(ctx, fs.Arg(0), fs.Arg(1), opts...)
	return report(res, "unpack-package", fs.Arg(1), stdout, stderr)
}

func runList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", "<archive>", stderr)
	var common commonFlags
	common.register(fs)
	formatName := fs.StringP("format", "f", "detect", "archive format")
	asJSON := fs.Bool("json", false, "print entries as JSON")
	if code := parse(fs, args, 1, stderr); code >= 0 {
		return code
	}

	format, err := archive.ParseFormat(*formatName)
	if err != nil {
		fmt.Fprintf(stderr, "berth-unpack list: %v\n", err)
		return 1
	}
	service, logger, err := common.service()
	if err != nil {
		fmt.Fprintf(stderr, "berth-unpack list: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	entries, err := service.List(ctx, fs.Arg(0), format)
	if err != nil {
		fmt.Fprintf(stderr, "berth-unpack list: %s: %v\n", archive.Classify(err), err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintf(stderr, "berth-unpack list: %v\n", err)
			return 1
		}
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIZE\tPACKED\tMETHOD\tMODIFIED\tNAME")
	for _, e := range entries {
		size := "-"
		if !e.IsDirectory && e.UncompressedSize >= 0 {
			size = humanize.IBytes(uint64(e.UncompressedSize))
		}
		modified := "-"
		if !e.Modified.IsZero() {
			modified = e.Modified.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			size, humanize.IBytes(uint64(max(e.CompressedSize, 0))), e.Compression, modified, e.Name)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}

func report(res archive.Result, command, output string, stdout, stderr io.Writer) int {
	for _, name := range res.Skipped {
		fmt.Fprintf(stderr, "berth-unpack %s: skipped unsupported entry %s\n", command, name)
	}
	if !res.OK() {
		fmt.Fprintf(stderr, "berth-unpack %s: %s\n", command, res.Error())
		return 1
	}
	fmt.Fprintf(stdout, "%d entries written to %s\n", res.Entries, output)
	return 0
}

type stderrProgress struct {
	w io.Writer
}

func (p *stderrProgress) WriteMessage(_ string, data string) {
	fmt.Fprintln(p.w, data)
}

func (p *stderrProgress) WriteError(data string) {
	fmt.Fprintln(p.w, "error: "+data)
}

func (p *stderrProgress) WriteStdout(data string) {
	fmt.Fprintln(p.w, data)
}
