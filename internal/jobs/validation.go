package jobs

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

var (
	ErrInvalidJobID = errors.New("invalid job id")
	ErrEmptyPath    = errors.New("path is required")
)

func validateJobID(id string) error {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 4 {
		return ErrInvalidJobID
	}
	return nil
}

// ResolvePath places a request path under root. Relative paths are joined
// to root; absolute ones must already lie inside it.
func ResolvePath(root, p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrEmptyPath
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if err := archive.EnsureWithinRoot(p, root); err != nil {
		return "", err
	}
	return p, nil
}
