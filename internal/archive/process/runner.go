package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

// CommandFactory builds the process for a shell invocation. Tests replace
// it to simulate archiver exit codes.
type CommandFactory func(ctx context.Context, name string, args ...string) *exec.Cmd

type Runner struct {
	archiver   string
	strategy   PlatformStrategy
	codePage   encoding.Encoding
	newCommand CommandFactory
	logger     *logging.Logger
}

// NewRunner prepares a runner for the given archiver binary (a path or a
// name looked up in PATH). codePage names the console encoding of the
// archiver's output; empty or "utf-8" leaves output untouched.
func NewRunner(archiver, codePage string, strategy PlatformStrategy, logger *logging.Logger) (*Runner, error) {
	enc, err := LookupCodePage(codePage)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		archiver:   archiver,
		strategy:   strategy,
		codePage:   enc,
		newCommand: exec.CommandContext,
		logger:     logger,
	}, nil
}

// WithCommandFactory swaps the process constructor.
func (r *Runner) WithCommandFactory(f CommandFactory) *Runner {
	r.newCommand = f
	return r
}

func (r *Runner) Strategy() PlatformStrategy {
	return r.strategy
}

// Available reports whether the platform has a shell and the archiver
// binary can be found.
func (r *Runner) Available() bool {
	if !r.strategy.Supported() {
		return false
	}
	_, err := r.resolveArchiver()
	return err == nil
}

func (r *Runner) resolveArchiver() (string, error) {
	if r.archiver == "" {
		return "", fmt.Errorf("%w: no archiver configured", archive.ErrFileNotFound)
	}
	if filepath.IsAbs(r.archiver) || strings.ContainsRune(r.archiver, filepath.Separator) {
		info, err := os.Stat(r.archiver)
		if err != nil || info.IsDir() {
			return "", fmt.Errorf("%w: archiver %s", archive.ErrFileNotFound, r.archiver)
		}
		return r.archiver, nil
	}
	path, err := exec.LookPath(r.archiver)
	if err != nil {
		return "", fmt.Errorf("%w: archiver %s not in PATH", archive.ErrFileNotFound, r.archiver)
	}
	return path, nil
}

// streamType is the 7-Zip -t switch for the outer stream of a compressed
// tarball.
func streamType(format archive.Format) (string, bool) {
	switch format {
	case archive.TarGz:
		return "gzip", true
	case archive.TarXz:
		return "xz", true
	case archive.TarBz2:
		return "bzip2", true
	default:
		return "", false
	}
}

// CommandLine renders the shell command that extracts archivePath into
// outputPath. Compressed tarballs are unpacked by piping the decompressed
// stream into a second archiver process.
func (r *Runner) CommandLine(archiver, archivePath, outputPath string, format archive.Format) (string, error) {
	q := r.strategy.Quote
	bin, err := q(archiver)
	if err != nil {
		return "", err
	}
	src, err := q(archivePath)
	if err != nil {
		return "", err
	}
	out, err := q(outputPath)
	if err != nil {
		return "", err
	}

	switch format {
	case archive.Zip, archive.SevenZip, archive.Rar, archive.Tar, archive.Gzip:
		return fmt.Sprintf("%s x %s -o%s -y", bin, src, out), nil
	case archive.TarGz, archive.TarXz, archive.TarBz2:
		t, _ := streamType(format)
		marker, err := q(pipelineMarker(outputPath))
		if err != nil {
			return "", err
		}
		return r.strategy.Pipeline(
			fmt.Sprintf("%s x %s -so -t%s", bin, src, t),
			fmt.Sprintf("%s x -si -ttar -o%s -y", bin, out),
			marker,
		), nil
	case archive.TarZst, archive.TarLz4:
		return "", fmt.Errorf("%w: external archiver cannot read %s", archive.ErrNotSupportedPlatform, format)
	case archive.Detect:
		return "", fmt.Errorf("%w: format must be resolved before running the archiver", archive.ErrUnknownFormat)
	default:
		return "", fmt.Errorf("%w: %s", archive.ErrUnknownFormat, format)
	}
}

// pipelineMarker is the scratch file a shell without pipefail uses to flag
// a failed decompression stage. It sits next to the output directory.
func pipelineMarker(outputPath string) string {
	clean := filepath.Clean(outputPath)
	return filepath.Join(filepath.Dir(clean), "."+filepath.Base(clean)+".stage-failed")
}

// Extract runs the archiver and maps its outcome to a Result. A non-zero
// exit status is reported as ExtractError carrying the archiver's stderr.
func (r *Runner) Extract(ctx context.Context, archivePath, outputPath string, format archive.Format) archive.Result {
	if !r.strategy.Supported() {
		return archive.Failure(fmt.Errorf("%w: %s", archive.ErrNotSupportedPlatform, r.strategy.Name()))
	}
	if _, err := os.Stat(archivePath); err != nil {
		return archive.Failure(fmt.Errorf("%w: %s", archive.ErrFileNotFound, archivePath))
	}
	bin, err := r.resolveArchiver()
	if err != nil {
		return archive.Failure(err)
	}
	line, err := r.CommandLine(bin, archivePath, outputPath, format)
	if err != nil {
		if archive.Classify(err) == archive.UnknownError {
			err = &archive.EntryError{Entry: archivePath, Err: err}
		}
		return archive.Failure(err)
	}

	shell, flag := r.strategy.Shell()
	cmd := r.newCommand(ctx, shell, flag, line)
	setRawCommandLine(cmd, shell, flag, line)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running external archiver",
		zap.String("archive", archivePath),
		zap.String("output", outputPath),
		zap.String("format", format.String()),
		zap.String("strategy", r.strategy.Name()),
	)

	err = cmd.Run()
	_ = os.Remove(pipelineMarker(outputPath))

	if ctx.Err() != nil {
		return archive.Result{
			Code:    archive.UnknownError,
			Message: archive.ErrCancelled.Error(),
			Err:     fmt.Errorf("%w: %v", archive.ErrCancelled, ctx.Err()),
		}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(r.decode(stderr.Bytes()))
			if msg == "" {
				msg = strings.TrimSpace(r.decode(stdout.Bytes()))
			}
			r.logger.Error("external archiver failed",
				zap.String("archive", archivePath),
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.String("stderr", msg),
			)
			return archive.Result{
				Code:    archive.ExtractError,
				Message: fmt.Sprintf("archiver exited with status %d: %s", exitErr.ExitCode(), msg),
				Err:     err,
			}
		}
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return archive.Failure(fmt.Errorf("%w: shell %s: %v", archive.ErrFileNotFound, shell, err))
		}
		return archive.Failure(fmt.Errorf("failed to execute archiver: %w", err))
	}

	r.logger.Debug("external archiver completed",
		zap.String("archive", archivePath),
		zap.String("stdout", strings.TrimSpace(r.decode(stdout.Bytes()))),
	)
	return archive.Result{Code: archive.Success}
}

func (r *Runner) decode(b []byte) string {
	if r.codePage == nil {
		return string(b)
	}
	out, err := r.codePage.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

var codePages = map[string]encoding.Encoding{
	"cp437":        charmap.CodePage437,
	"cp850":        charmap.CodePage850,
	"cp852":        charmap.CodePage852,
	"cp866":        charmap.CodePage866,
	"cp1250":       charmap.Windows1250,
	"cp1251":       charmap.Windows1251,
	"cp1252":       charmap.Windows1252,
	"windows-1252": charmap.Windows1252,
	"iso-8859-1":   charmap.ISO8859_1,
}

// LookupCodePage resolves a console code page name. A nil encoding means
// the output is already UTF-8.
func LookupCodePage(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	switch key {
	case "", "utf-8", "utf8", "cp65001", "65001":
		return nil, nil
	}
	if enc, ok := codePages[key]; ok {
		return enc, nil
	}
	if enc, ok := codePages["cp"+key]; ok {
		return enc, nil
	}
	enc, err := ianaindex.IANA.Encoding(key)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("unknown console code page %q", name)
	}
	return enc, nil
}
