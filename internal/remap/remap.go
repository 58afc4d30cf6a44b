// Package remap turns an extracted package, one opaque folder per asset,
// into the file tree the package describes.
//
// Each folder holds a pathname file (first line: destination path relative
// to the package root, forward slashes), an optional asset payload and an
// optional asset.meta sidecar. A folder with a pathname but no asset is a
// directory.
package remap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

const (
	PathnameFile = "pathname"
	AssetFile    = "asset"
	MetaFile     = "asset.meta"
)

var ErrMissingPathname = errors.New("package folder has no pathname")

type Remapper struct {
	logger      *logging.Logger
	concurrency int
}

func New(logger *logging.Logger, concurrency int) *Remapper {
	if logger == nil {
		logger = logging.NewNop()
	}
	if concurrency < 1 {
		concurrency = runtime.NumCPU()
	}
	return &Remapper{logger: logger, concurrency: concurrency}
}

// Remap uses a default Remapper.
func Remap(ctx context.Context, extractedRoot, destinationRoot string) error {
	return New(nil, 0).Remap(ctx, extractedRoot, destinationRoot)
}

type move struct {
	folder   string
	pathname string
	target   string
	asset    bool
	meta     bool
}

// Remap moves every folder's asset to destinationRoot/<pathname>. All
// pathnames are read and validated before the first file moves, so a
// missing or unsafe pathname leaves the destination untouched. Once moving
// starts the first I/O error stops the remaining work; files already moved
// stay where they are. Errors wrap archive.ErrRemap.
func (r *Remapper) Remap(ctx context.Context, extractedRoot, destinationRoot string) error {
	moves, err := r.plan(extractedRoot, destinationRoot)
	if err != nil {
		return fmt.Errorf("%w: %w", archive.ErrRemap, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, m := range moves {
		m := m
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.apply(m)
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %w", archive.ErrCancelled, err)
		}
		return fmt.Errorf("%w: %w", archive.ErrRemap, err)
	}

	r.logger.Info("package remapped",
		zap.String("source", extractedRoot),
		zap.String("destination", destinationRoot),
		zap.Int("entries", len(moves)),
	)
	return nil
}

func (r *Remapper) plan(root, dest string) ([]move, error) {
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read extracted package %s: %w", root, err)
	}

	byTarget := make(map[string]int)
	var moves []move
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		folder := filepath.Join(root, d.Name())
		pathname, err := readPathname(folder)
		if err != nil {
			return nil, err
		}
		target, err := archive.ValidateExtractPath(dest, pathname)
		if err != nil {
			return nil, fmt.Errorf("folder %s: %w", d.Name(), err)
		}
		m := move{
			folder:   folder,
			pathname: pathname,
			target:   target,
			asset:    exists(filepath.Join(folder, AssetFile)),
			meta:     exists(filepath.Join(folder, MetaFile)),
		}
		if i, dup := byTarget[target]; dup {
			r.logger.Warn("duplicate package pathname, later folder wins",
				zap.String("pathname", pathname),
				zap.String("replaced", filepath.Base(moves[i].folder)),
				zap.String("folder", d.Name()),
			)
			moves[i] = m
			continue
		}
		byTarget[target] = len(moves)
		moves = append(moves, m)
	}
	return moves, nil
}

func readPathname(folder string) (string, error) {
	f, err := os.Open(filepath.Join(folder, PathnameFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrMissingPathname, filepath.Base(folder))
		}
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read pathname in %s: %w", filepath.Base(folder), err)
	}
	line = strings.TrimSpace(strings.ReplaceAll(line, `\`, "/"))
	if line == "" {
		return "", fmt.Errorf("%w: %s has an empty pathname", ErrMissingPathname, filepath.Base(folder))
	}
	return line, nil
}

func (r *Remapper) apply(m move) error {
	if !m.asset {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", m.pathname, err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(m.target), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory for %s: %w", m.pathname, err)
		}
		if err := moveFile(filepath.Join(m.folder, AssetFile), m.target); err != nil {
			return fmt.Errorf("failed to move asset for %s: %w", m.pathname, err)
		}
	}
	if m.meta {
		if err := os.MkdirAll(filepath.Dir(m.target), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory for %s.meta: %w", m.pathname, err)
		}
		if err := moveFile(filepath.Join(m.folder, MetaFile), m.target+".meta"); err != nil {
			return fmt.Errorf("failed to move meta for %s: %w", m.pathname, err)
		}
	}
	r.logger.Debug("remapped package entry", zap.String("pathname", m.pathname))
	return nil
}

// moveFile renames src over dst, copying when they are on different
// filesystems.
func moveFile(src, dst string) error {
	if info, err := os.Stat(dst); err == nil && !info.IsDir() {
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
