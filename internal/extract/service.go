// Package extract drives a whole-archive extraction: it picks an engine for
// the format, walks the entries, writes them under the output directory and
// reduces the outcome to one archive.Result.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/codec"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/process"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/rarfmt"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/sevenzip"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/tarfmt"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/zipfmt"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
	"github.com/tech-arch1tect/berth-unpack/internal/remap"
)

type Options struct {
	// PreferProcess lists formats that always go to the external archiver.
	PreferProcess []archive.Format

	// SkipUnsupported records entries with an unknown codec in
	// Result.Skipped instead of failing the archive.
	SkipUnsupported bool

	// CleanupOnFailure removes the output directory after any failed run.
	CleanupOnFailure bool

	RemapConcurrency int
}

type Service struct {
	opts          Options
	preferProcess map[archive.Format]bool
	registry      *codec.Registry
	locator       rarfmt.VolumeLocator
	runner        *process.Runner
	logger        *logging.Logger
}

// NewService builds a driver. runner may be nil, in which case formats
// without an in-process engine report NotSupportedPlatform.
func NewService(opts Options, runner *process.Runner, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	prefer := make(map[archive.Format]bool, len(opts.PreferProcess))
	for _, f := range opts.PreferProcess {
		prefer[f] = true
	}
	return &Service{
		opts:          opts,
		preferProcess: prefer,
		registry:      codec.Default(),
		locator:       rarfmt.NamingLocator{},
		runner:        runner,
		logger:        logger,
	}
}

// WithRegistry replaces the codec registry used by the in-process engines.
func (s *Service) WithRegistry(r *codec.Registry) *Service {
	s.registry = r
	return s
}

type runConfig struct {
	listener archive.Listener
}

type RunOption func(*runConfig)

// WithListener reports per-entry progress to l.
func WithListener(l archive.Listener) RunOption {
	return func(c *runConfig) {
		c.listener = l
	}
}

func newRunConfig(opts []RunOption) runConfig {
	c := runConfig{listener: archive.NopListener{}}
	for _, o := range opts {
		o(&c)
	}
	if c.listener == nil {
		c.listener = archive.NopListener{}
	}
	return c
}

// Extract unpacks archivePath into outputPath. outputPath is removed and
// recreated first, so running Extract twice yields the same tree. Detect
// resolves the format from the file name, then from magic bytes.
func (s *Service) Extract(ctx context.Context, archivePath, outputPath string, format archive.Format, opts ...RunOption) archive.Result {
	rc := newRunConfig(opts)
	start := time.Now()

	res := s.extract(ctx, archivePath, outputPath, format, rc)

	fields := []zap.Field{
		zap.String("archive", archivePath),
		zap.String("output", outputPath),
		zap.String("format", format.String()),
		zap.String("code", res.Code.String()),
		zap.Int("entries", res.Entries),
		zap.Duration("duration", time.Since(start)),
	}
	if !res.OK() {
		if s.opts.CleanupOnFailure {
			if err := os.RemoveAll(outputPath); err != nil {
				s.logger.Warn("failed to clean up output directory", zap.String("output", outputPath), zap.Error(err))
			}
		}
		s.logger.Error("archive extraction failed", append(fields, zap.String("message", res.Message))...)
		return res
	}
	if len(res.Skipped) > 0 {
		s.logger.Warn("archive extracted with skipped entries", append(fields, zap.Strings("skipped", res.Skipped))...)
		return res
	}
	s.logger.Info("archive extracted", fields...)
	return res
}

func (s *Service) extract(ctx context.Context, archivePath, outputPath string, format archive.Format, rc runConfig) archive.Result {
	if ctx.Err() != nil {
		return cancelled(ctx.Err())
	}
	info, err := os.Stat(archivePath)
	if err != nil || info.IsDir() {
		return archive.Failure(fmt.Errorf("%w: %s", archive.ErrFileNotFound, archivePath))
	}
	s.logger.Debug("starting extraction",
		zap.String("archive", archivePath),
		logging.Size("archive_size", info.Size()),
	)

	if format == archive.Detect {
		format, err = archive.DetectFormat(archivePath)
		if err != nil {
			return archive.Failure(err)
		}
	}

	if err := prepareOutput(outputPath); err != nil {
		return archive.Failure(err)
	}

	if s.preferProcess[format] {
		return s.extractWithProcess(ctx, archivePath, outputPath, format)
	}

	open, err := s.engine(format)
	if err == nil {
		res := s.extractEntries(ctx, open, archivePath, outputPath, rc.listener)
		if !errors.Is(res.Err, archive.ErrNoDecoder) {
			return res
		}
		err = res.Err
		if perr := prepareOutput(outputPath); perr != nil {
			return archive.Failure(perr)
		}
	}
	if !errors.Is(err, archive.ErrNoDecoder) {
		return archive.Failure(err)
	}

	if s.runner == nil || !s.runner.Available() {
		return archive.Failure(fmt.Errorf("%w: %w", archive.ErrNotSupportedPlatform, err))
	}
	s.logger.Info("falling back to external archiver",
		zap.String("archive", archivePath),
		zap.String("format", format.String()),
		zap.Error(err),
	)
	return s.extractWithProcess(ctx, archivePath, outputPath, format)
}

// engine returns the in-process reader for a format.
func (s *Service) engine(format archive.Format) (archive.OpenFunc, error) {
	switch format {
	case archive.Zip:
		return zipfmt.Opener(s.registry), nil
	case archive.Rar:
		return rarfmt.Opener(s.registry, s.locator), nil
	case archive.Tar, archive.TarGz, archive.TarXz, archive.TarZst, archive.TarLz4, archive.TarBz2:
		return tarfmt.Opener(format), nil
	case archive.Gzip:
		return tarfmt.GzipOpener(), nil
	case archive.SevenZip:
		return sevenzip.Opener(), nil
	case archive.Detect:
		return nil, fmt.Errorf("%w: format was not resolved", archive.ErrUnknownFormat)
	default:
		return nil, fmt.Errorf("%w: %s", archive.ErrNoDecoder, format)
	}
}

func (s *Service) extractWithProcess(ctx context.Context, archivePath, outputPath string, format archive.Format) archive.Result {
	if s.runner == nil {
		return archive.Failure(fmt.Errorf("%w: no external archiver configured for %s", archive.ErrNotSupportedPlatform, format))
	}
	return s.runner.Extract(ctx, archivePath, outputPath, format)
}

func (s *Service) extractEntries(ctx context.Context, open archive.OpenFunc, archivePath, outputPath string, l archive.Listener) (res archive.Result) {
	var (
		count   int
		skipped []string
	)
	current := archivePath
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic during extraction",
				zap.String("archive", archivePath),
				zap.String("entry", current),
				zap.Any("panic", p),
			)
			res = archive.Result{
				Code:    archive.UnknownError,
				Message: fmt.Sprintf("panic while extracting %s: %v", current, p),
				Entries: count,
				Skipped: skipped,
				Err:     fmt.Errorf("panic: %v", p),
			}
		}
	}()

	fail := func(err error) archive.Result {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			r := cancelled(err)
			r.Entries, r.Skipped = count, skipped
			return r
		}
		if archive.Classify(err) == archive.UnknownError {
			err = &archive.EntryError{Entry: current, Err: err}
		}
		r := archive.Failure(err)
		r.Entries, r.Skipped = count, skipped
		return r
	}

	r, err := open(archivePath)
	if err != nil {
		if errors.Is(err, archive.ErrNoDecoder) {
			return archive.Failure(err)
		}
		return fail(err)
	}
	defer r.Close()

	for {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(err)
		}
		current = e.Name

		target, err := archive.ValidateExtractPath(outputPath, e.Name)
		if err != nil {
			return fail(err)
		}

		l.EntryStarted(e.Name, e.UncompressedSize, e.CompressedSize)
		payload, err := r.Open()
		if err != nil {
			l.EntryFinished(e.Name, err)
			if s.opts.SkipUnsupported && unsupportedEntry(err) {
				s.logger.Warn("skipping unsupported entry",
					zap.String("archive", archivePath),
					zap.String("entry", e.Name),
					zap.String("compression", e.Compression.String()),
				)
				skipped = append(skipped, e.Name)
				continue
			}
			return fail(err)
		}

		err = archive.WriteEntry(ctx, target, e, payload, l)
		if cerr := payload.Close(); err == nil {
			err = cerr
		}
		l.EntryFinished(e.Name, err)
		if err != nil {
			return fail(err)
		}
		count++
	}

	if po, ok := r.(archive.PassedOver); ok && len(po.Passed()) > 0 {
		s.logger.Info("entries passed over",
			zap.String("archive", archivePath),
			zap.Strings("entries", po.Passed()),
		)
	}

	res = archive.Result{Code: archive.Success, Entries: count, Skipped: skipped}
	if len(skipped) > 0 {
		res.Message = fmt.Sprintf("extracted %d entries, skipped %d unsupported", count, len(skipped))
	}
	return res
}

// UnpackPackage extracts a package archive to a scratch directory and
// remaps its asset folders into destination.
func (s *Service) UnpackPackage(ctx context.Context, archivePath, destination string, opts ...RunOption) archive.Result {
	if _, err := os.Stat(archivePath); err != nil {
		return archive.Failure(fmt.Errorf("%w: %s", archive.ErrFileNotFound, archivePath))
	}
	format, err := archive.DetectFormat(archivePath)
	if err != nil {
		return archive.Failure(err)
	}

	scratch, err := os.MkdirTemp("", "berth-unpack-*")
	if err != nil {
		return archive.Failure(fmt.Errorf("failed to create scratch directory: %w", err))
	}
	defer os.RemoveAll(scratch)

	extracted := filepath.Join(scratch, "package")
	res := s.Extract(ctx, archivePath, extracted, format, opts...)
	if !res.OK() {
		return res
	}

	if err := remap.New(s.logger, s.opts.RemapConcurrency).Remap(ctx, extracted, destination); err != nil {
		if archive.Classify(err) == archive.UnknownError {
			return cancelled(err)
		}
		out := archive.Failure(err)
		out.Entries = res.Entries
		return out
	}
	return archive.Result{Code: archive.Success, Entries: res.Entries, Skipped: res.Skipped, Message: res.Message}
}

// List returns the entries of an archive without writing anything.
func (s *Service) List(ctx context.Context, archivePath string, format archive.Format) ([]*archive.Entry, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, archivePath)
	}
	if format == archive.Detect {
		var err error
		if format, err = archive.DetectFormat(archivePath); err != nil {
			return nil, err
		}
	}
	open, err := s.engine(format)
	if err != nil {
		return nil, err
	}
	r, err := open(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var entries []*archive.Entry
	for {
		if err := ctx.Err(); err != nil {
			return entries, fmt.Errorf("%w: %w", archive.ErrCancelled, err)
		}
		e, err := r.Next()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return entries, err
		}
		entries = append(entries, e)
	}
}

func unsupportedEntry(err error) bool {
	return errors.Is(err, archive.ErrUnsupportedCodec) || errors.Is(err, archive.ErrEncrypted)
}

func prepareOutput(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to clear output directory %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", path, err)
	}
	return nil
}

func cancelled(cause error) archive.Result {
	return archive.Result{
		Code:    archive.UnknownError,
		Message: archive.ErrCancelled.Error(),
		Err:     fmt.Errorf("%w: %v", archive.ErrCancelled, cause),
	}
}
