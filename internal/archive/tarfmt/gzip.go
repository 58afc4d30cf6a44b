package tarfmt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

// GzipReader presents a bare gzip file as an archive with one entry, named
// after the header's original name or, failing that, the file name without
// its .gz suffix.
type GzipReader struct {
	name   string
	file   *os.File
	zr     *gzip.Reader
	entry  *archive.Entry
	served bool
	opened bool
}

func OpenGzip(path string) (*GzipReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, path)
		}
		return nil, err
	}
	r, err := NewGzipReader(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

func NewGzipReader(src io.Reader, name string) (*GzipReader, error) {
	zr, err := gzip.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", archive.ErrCorruptHeader, name, err)
	}
	return &GzipReader{name: name, zr: zr}, nil
}

func GzipOpener() archive.OpenFunc {
	return func(path string) (archive.Reader, error) {
		return OpenGzip(path)
	}
}

func (r *GzipReader) Next() (*archive.Entry, error) {
	if r.served {
		return nil, io.EOF
	}
	r.served = true
	r.entry = &archive.Entry{
		Name:             memberName(r.zr.Name, r.name),
		CompressedSize:   -1,
		UncompressedSize: -1,
		Compression:      archive.CompressionDeflate,
		Modified:         r.zr.ModTime,
	}
	if r.file != nil {
		if info, err := r.file.Stat(); err == nil {
			r.entry.CompressedSize = info.Size()
		}
	}
	return r.entry, nil
}

// Open returns the decompressed member. The gzip trailer's CRC and length
// are checked when the stream ends.
func (r *GzipReader) Open() (io.ReadCloser, error) {
	if r.entry == nil {
		return nil, errors.New("gzip: Open called without a current entry")
	}
	if r.opened {
		return nil, errors.New("gzip: entry payload already opened")
	}
	r.opened = true
	return io.NopCloser(&gzipPayload{zr: r.zr, name: r.entry.Name}), nil
}

func (r *GzipReader) Close() error {
	err := r.zr.Close()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func memberName(header, archivePath string) string {
	if header != "" {
		base := path.Base(strings.ReplaceAll(header, `\`, "/"))
		if base != "." && base != "/" && base != ".." {
			return base
		}
	}
	base := filepath.Base(archivePath)
	if trimmed := strings.TrimSuffix(base, filepath.Ext(base)); trimmed != "" && !strings.EqualFold(base, trimmed) {
		return trimmed
	}
	return base + ".out"
}

type gzipPayload struct {
	zr   *gzip.Reader
	name string
}

func (g *gzipPayload) Read(p []byte) (int, error) {
	n, err := g.zr.Read(p)
	if err == nil || err == io.EOF {
		return n, err
	}
	if errors.Is(err, gzip.ErrChecksum) {
		err = fmt.Errorf("%w: %v", archive.ErrChecksum, err)
	}
	return n, &archive.EntryError{Entry: g.name, Err: err}
}
