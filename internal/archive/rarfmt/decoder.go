package rarfmt

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nwaples/rardecode"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

// DecodeReader runs compressed RAR archives through rardecode, which keeps
// the solid dictionary across entries and finds later volumes itself.
type DecodeReader struct {
	path   string
	rc     *rardecode.ReadCloser
	header *rardecode.FileHeader
	entry  *archive.Entry
	solid  bool
	opened bool
	last   *archive.Entry
}

// OpenDecoder opens the first volume at path. rardecode does not report the
// archive's solid flag per file, so the caller passes what the header scan
// found.
func OpenDecoder(path string, solid bool) (*DecodeReader, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, path)
		}
		return nil, err
	}
	rc, err := rardecode.OpenReader(path, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", archive.ErrCorruptHeader, path, err)
	}
	return &DecodeReader{path: path, rc: rc, solid: solid}, nil
}

func (d *DecodeReader) Next() (*archive.Entry, error) {
	h, err := d.rc.Next()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %s truncated: %v", archive.ErrCorruptHeader, d.path, err)
		}
		name := d.path
		if d.last != nil {
			name = d.last.Name
		}
		return nil, &archive.EntryError{Entry: name, Err: err}
	}

	size := h.UnPackedSize
	if h.UnKnownSize {
		size = -1
	}
	e := &archive.Entry{
		Name:             h.Name,
		CompressedSize:   h.PackedSize,
		UncompressedSize: size,
		Compression:      archive.CompressionRar,
		IsDirectory:      h.IsDir,
		IsSolid:          d.solid,
		Modified:         h.ModificationTime,
		Mode:             uint32(h.Mode().Perm()),
	}
	d.header = h
	d.entry = e
	d.last = e
	d.opened = false
	return e, nil
}

// Open returns the current entry's payload. rardecode verifies checksums
// as the data is read.
func (d *DecodeReader) Open() (io.ReadCloser, error) {
	if d.entry == nil {
		return nil, errors.New("rar: Open called without a current entry")
	}
	if d.opened {
		return nil, errors.New("rar: entry payload already opened")
	}
	d.opened = true
	return io.NopCloser(&entryErrReader{r: d.rc, name: d.entry.Name}), nil
}

func (d *DecodeReader) LastEntry() *archive.Entry {
	return d.last
}

func (d *DecodeReader) Close() error {
	return d.rc.Close()
}

type entryErrReader struct {
	r    io.Reader
	name string
}

func (e *entryErrReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		return n, &archive.EntryError{Entry: e.name, Err: err}
	}
	return n, err
}
