package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateExtractPath maps an entry name onto destPath. Names may use
// either slash; absolute names, drive letters and names that climb out of
// destPath are rejected with ErrPathTraversal.
func ValidateExtractPath(destPath, fileName string) (string, error) {
	name := filepath.FromSlash(strings.ReplaceAll(fileName, `\`, "/"))
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, fileName)
	}
	target := filepath.Join(destPath, name)
	if !within(target, destPath) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, fileName)
	}
	return target, nil
}

func EnsureWithinRoot(path, root string) error {
	if !within(path, root) {
		return fmt.Errorf("%w: %s must be within %s", ErrPathTraversal, path, root)
	}
	return nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}
