package rarfmt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

var ErrNoMoreVolumes = errors.New("no more volumes")

// VolumeLocator resolves the path of volume n (zero based) of the set that
// starts at first.
type VolumeLocator interface {
	Volume(first string, n int) (string, error)
}

// NamingLocator follows the two naming schemes WinRAR produces:
// name.partN.rar and name.rar, name.r00, name.r01 ...
type NamingLocator struct{}

var partPattern = regexp.MustCompile(`(?i)^(.*\.part)(\d+)(\.rar)$`)

func (NamingLocator) Volume(first string, n int) (string, error) {
	if n == 0 {
		return first, nil
	}
	dir, base := filepath.Split(first)

	var name string
	if m := partPattern.FindStringSubmatch(base); m != nil {
		start, _ := strconv.Atoi(m[2])
		name = fmt.Sprintf("%s%0*d%s", m[1], len(m[2]), start+n, m[3])
	} else {
		ext := filepath.Ext(base)
		if !strings.EqualFold(ext, ".rar") {
			return "", fmt.Errorf("%w: cannot derive volume names from %s", ErrNoMoreVolumes, base)
		}
		idx := n - 1
		letter := byte('r') + byte(idx/100)
		if strings.HasPrefix(ext, ".R") {
			letter -= 'a' - 'A'
		}
		name = fmt.Sprintf("%s.%c%02d", strings.TrimSuffix(base, ext), letter, idx%100)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNoMoreVolumes, path)
		}
		return "", err
	}
	return path, nil
}

// DiscoverVolumes lists every existing volume of the set starting at first.
func DiscoverVolumes(first string, locator VolumeLocator) ([]string, error) {
	if locator == nil {
		locator = NamingLocator{}
	}
	var out []string
	for n := 0; ; n++ {
		path, err := locator.Volume(first, n)
		if errors.Is(err, ErrNoMoreVolumes) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, path)
	}
}

const sfxSearchLimit = 1 << 20

// Volume is one physical file of a RAR set, positioned after its main
// header.
type Volume struct {
	Path    string
	Version int
	Main    *MainHeader

	file    *os.File
	cur     *archive.Cursor
	pending int64
	done    bool
}

// OpenVolume opens path, finds the signature (allowing a self-extractor
// stub in front of it) and reads the main header.
func OpenVolume(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, path)
		}
		return nil, err
	}
	v, err := newVolume(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	v.file = f
	return v, nil
}

// NewStreamVolume reads a volume from a non-seekable source. The signature
// must be at the start of the stream.
func NewStreamVolume(src io.Reader, name string) (*Volume, error) {
	return readVolume(archive.NewCursor(src, 0), name)
}

func newVolume(f *os.File, path string) (*Volume, error) {
	head := make([]byte, sfxSearchLimit)
	n, err := f.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return nil, err
	}
	offset := bytes.Index(head[:n], sigPrefix)
	if offset < 0 {
		return nil, fmt.Errorf("%w: %s is not a rar archive", archive.ErrCorruptHeader, path)
	}
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}
	return readVolume(archive.NewCursor(f, int64(offset)), path)
}

func readVolume(c *archive.Cursor, path string) (*Volume, error) {
	mark := &MarkHeader{}
	if err := mark.Read(c); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	v := &Volume{Path: path, Version: mark.Version, cur: c}
	for {
		h, err := NextHeader(c, mark.Version)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := h.Read(c); err != nil {
			return nil, fmt.Errorf("%s: read %s header: %w", path, h.Kind(), err)
		}
		switch hdr := h.(type) {
		case *MainHeader:
			if hdr.HeadersEncrypted {
				return nil, fmt.Errorf("%s: %w", path, archive.ErrEncrypted)
			}
			v.Main = hdr
			return v, nil
		case *IgnoreHeader:
			if err := c.Discard(hdr.DataSize()); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: %s header before main header in %s", archive.ErrCorruptHeader, h.Kind(), path)
		}
	}
}

func (v *Volume) IsMultiVolume() bool { return v.Main.Volume }
func (v *Volume) IsSolid() bool       { return v.Main.Solid }
func (v *Volume) IsFirstVolume() bool { return v.Main.FirstVolume }

// Cursor exposes the position inside the volume; data of the most recent
// file header starts here until the caller reads it.
func (v *Volume) Cursor() *archive.Cursor { return v.cur }

// NextHeader returns the next header, skipping the unread data of the
// previous one. The end header is returned once; after it, or at end of
// file, NextHeader returns io.EOF.
func (v *Volume) NextHeader() (Header, error) {
	if v.done {
		return nil, io.EOF
	}
	if v.pending > 0 {
		if err := v.cur.Discard(v.pending); err != nil {
			return nil, err
		}
		v.pending = 0
	}
	if _, err := v.cur.Peek(1); err == io.EOF {
		v.done = true
		return nil, io.EOF
	}
	start := v.cur.Offset()
	h, err := NextHeader(v.cur, v.Version)
	if err != nil {
		return nil, err
	}
	if err := h.Read(v.cur); err != nil {
		return nil, fmt.Errorf("%s: read %s header at %d: %w", v.Path, h.Kind(), start, err)
	}
	if ds, ok := h.(DataSize); ok {
		v.pending = ds.DataSize()
	}
	if h.Kind() == KindEnd {
		v.done = true
	}
	return h, nil
}

// Consumed tells the volume that n bytes of the pending data area were read
// by the caller.
func (v *Volume) Consumed(n int64) {
	v.pending -= n
	if v.pending < 0 {
		v.pending = 0
	}
}

// Pending is the unread part of the current data area.
func (v *Volume) Pending() int64 { return v.pending }

func (v *Volume) Close() error {
	if v.file != nil {
		return v.file.Close()
	}
	return nil
}

// PartIterator walks the file fragments stored in one volume. It is single
// pass; reopen the volume to start over.
type PartIterator struct {
	v   *Volume
	end *EndHeader
	err error
}

func (v *Volume) ReadFileParts() *PartIterator {
	return &PartIterator{v: v}
}

// Next returns the next file header and its fragment description, or
// io.EOF when the volume has no more files.
func (it *PartIterator) Next() (*FileHeader, archive.FilePart, error) {
	for it.err == nil {
		h, err := it.v.NextHeader()
		if err != nil {
			it.err = err
			break
		}
		switch hdr := h.(type) {
		case *FileHeader:
			if hdr.Kind() != KindFile {
				continue
			}
			return hdr, archive.FilePart{
				VolumePath:  it.v.Path,
				DataOffset:  hdr.DataOffset(),
				PackedSize:  hdr.DataSize(),
				SplitBefore: hdr.SplitBefore,
				SplitAfter:  hdr.SplitAfter,
			}, nil
		case *EndHeader:
			it.end = hdr
		}
	}
	return nil, archive.FilePart{}, it.err
}

// End is the volume's end header once iteration has reached it.
func (it *PartIterator) End() *EndHeader { return it.end }
