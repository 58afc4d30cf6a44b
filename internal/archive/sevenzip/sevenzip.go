// Package sevenzip adapts github.com/bodgit/sevenzip to archive.Reader.
package sevenzip

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	sz "github.com/bodgit/sevenzip"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

// Reader walks the files of a 7z archive in header order. 7z keeps its
// directory at the end of the file, so the whole index is loaded on open.
type Reader struct {
	path   string
	rc     *sz.ReadCloser
	index  int
	file   *sz.File
	entry  *archive.Entry
	opened bool
}

func Open(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, path)
		}
		return nil, err
	}
	rc, err := sz.OpenReader(path)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "password") {
			return nil, fmt.Errorf("%s: %w", path, archive.ErrEncrypted)
		}
		return nil, fmt.Errorf("%w: open 7z archive %s: %v", archive.ErrCorruptHeader, path, err)
	}
	return &Reader{path: path, rc: rc, index: -1}, nil
}

func Opener() archive.OpenFunc {
	return func(path string) (archive.Reader, error) {
		return Open(path)
	}
}

func (r *Reader) Next() (*archive.Entry, error) {
	r.index++
	if r.index >= len(r.rc.File) {
		r.file, r.entry = nil, nil
		return nil, io.EOF
	}
	f := r.rc.File[r.index]
	info := f.FileInfo()
	r.file = f
	r.entry = &archive.Entry{
		Name:             f.Name,
		CompressedSize:   -1,
		UncompressedSize: int64(f.UncompressedSize),
		Compression:      archive.CompressionLZMA, // folder coder chains are not exposed per file
		IsDirectory:      info.IsDir(),
		Modified:         f.Modified,
		CRC32:            f.CRC32,
		Mode:             uint32(info.Mode().Perm()),
	}
	r.opened = false
	return r.entry, nil
}

// Open decodes the current file. bodgit/sevenzip checks the stored CRC as
// the stream is consumed.
func (r *Reader) Open() (io.ReadCloser, error) {
	if r.file == nil {
		return nil, errors.New("7z: Open called without a current entry")
	}
	if r.opened {
		return nil, errors.New("7z: entry payload already opened")
	}
	r.opened = true
	if r.entry.IsDirectory {
		return io.NopCloser(strings.NewReader("")), nil
	}
	rc, err := r.file.Open()
	if err != nil {
		return nil, &archive.EntryError{Entry: r.entry.Name, Err: err}
	}
	return &payload{rc: rc, name: r.entry.Name}, nil
}

func (r *Reader) Close() error {
	return r.rc.Close()
}

type payload struct {
	rc   io.ReadCloser
	name string
}

func (p *payload) Read(b []byte) (int, error) {
	n, err := p.rc.Read(b)
	if err != nil && err != io.EOF {
		return n, &archive.EntryError{Entry: p.name, Err: err}
	}
	return n, err
}

func (p *payload) Close() error {
	return p.rc.Close()
}
