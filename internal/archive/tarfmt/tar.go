// Package tarfmt reads tar archives, optionally wrapped in gzip, xz, zstd,
// lz4 or bzip2, and bare gzip files as single-entry archives.
package tarfmt

import (
	"archive/tar"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

// Decompress wraps src in the stream decoder for a tarball format. The
// returned closer releases the decoder, not src.
func Decompress(src io.Reader, format archive.Format) (io.Reader, io.Closer, error) {
	switch format {
	case archive.Tar:
		return src, noClose{}, nil
	case archive.TarGz:
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %v", archive.ErrCorruptHeader, err)
		}
		return zr, zr, nil
	case archive.TarXz:
		xr, err := xz.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: xz: %v", archive.ErrCorruptHeader, err)
		}
		return xr, noClose{}, nil
	case archive.TarZst:
		zr, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %v", archive.ErrCorruptHeader, err)
		}
		return zr, zr.IOReadCloser(), nil
	case archive.TarLz4:
		return lz4.NewReader(src), noClose{}, nil
	case archive.TarBz2:
		return bzip2.NewReader(src), noClose{}, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s is not a tarball format", archive.ErrUnknownFormat, format)
	}
}

// Reader walks a tar stream. Regular files and directories become entries;
// links, devices and fifos are passed over.
type Reader struct {
	name    string
	file    *os.File
	decoder io.Closer
	tr      *tar.Reader
	entry   *archive.Entry
	opened  bool
	skipped []string
}

func Open(path string, format archive.Format) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, path)
		}
		return nil, err
	}
	r, err := NewReader(f, path, format)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

func NewReader(src io.Reader, name string, format archive.Format) (*Reader, error) {
	stream, closer, err := Decompress(src, format)
	if err != nil {
		return nil, err
	}
	return &Reader{name: name, decoder: closer, tr: tar.NewReader(stream)}, nil
}

func Opener(format archive.Format) archive.OpenFunc {
	return func(path string) (archive.Reader, error) {
		return Open(path, format)
	}
}

func (r *Reader) Next() (*archive.Entry, error) {
	for {
		hdr, err := r.tr.Next()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, readError(r.name, err)
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			r.skipped = append(r.skipped, hdr.Name)
			continue
		}

		r.entry = &archive.Entry{
			Name:             hdr.Name,
			CompressedSize:   hdr.Size,
			UncompressedSize: hdr.Size,
			Compression:      archive.CompressionNone,
			IsDirectory:      hdr.Typeflag == tar.TypeDir,
			Modified:         hdr.ModTime,
			Mode:             uint32(hdr.Mode & 0o777),
		}
		r.opened = false
		return r.entry, nil
	}
}

func (r *Reader) Open() (io.ReadCloser, error) {
	if r.entry == nil {
		return nil, errors.New("tar: Open called without a current entry")
	}
	if r.opened {
		return nil, errors.New("tar: entry payload already opened")
	}
	r.opened = true
	return io.NopCloser(&entryReader{r: r.tr, name: r.entry.Name}), nil
}

// Passed lists the link and special entries that were not extracted.
func (r *Reader) Passed() []string {
	return r.skipped
}

func (r *Reader) Close() error {
	var err error
	if r.decoder != nil {
		err = r.decoder.Close()
	}
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// readError reports a failure to read the next header. Decompressor errors
// surface here too, since headers are read through the decoder.
func readError(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", archive.ErrCorruptHeader, name, err)
}

type noClose struct{}

func (noClose) Close() error { return nil }

type entryReader struct {
	r    io.Reader
	name string
}

func (e *entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &archive.EntryError{Entry: e.name, Err: err}
	}
	return n, err
}
