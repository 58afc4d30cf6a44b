package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Reader walks an archive's entries in on-disk order. Next returns io.EOF
// once the archive is exhausted; Open returns the payload of the entry most
// recently returned by Next. A Reader owns its underlying files and is not
// safe for concurrent use.
type Reader interface {
	Next() (*Entry, error)
	Open() (io.ReadCloser, error)
	Close() error
}

// PassedOver is implemented by readers that silently step over entries
// they never return from Next, such as tar links.
type PassedOver interface {
	Passed() []string
}

// OpenFunc opens a Reader over the archive at path.
type OpenFunc func(path string) (Reader, error)

// WriteEntry materialises e under dest, reading its payload from r when it
// is a regular file. The target path has already been validated.
func WriteEntry(ctx context.Context, target string, e *Entry, r io.Reader, l Listener) error {
	if e.IsDirectory {
		if err := os.MkdirAll(target, dirMode(e)); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", target, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", target, err)
	}

	outFile, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode(e))
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}

	_, err = CopyEntry(ctx, outFile, r, e.Name, l)
	if cerr := outFile.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if !e.Modified.IsZero() {
		_ = os.Chtimes(target, time.Now(), e.Modified)
	}
	return nil
}

func fileMode(e *Entry) os.FileMode {
	if perm := os.FileMode(e.Mode).Perm(); perm != 0 {
		return perm | 0200
	}
	return 0644
}

func dirMode(e *Entry) os.FileMode {
	if perm := os.FileMode(e.Mode).Perm(); perm != 0 {
		return perm | 0700
	}
	return 0755
}
