package zipfmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

const maxCommentLen = 0xffff

// Directory is the decoded central directory, indexed by local header offset.
type Directory struct {
	Entries  []*DirectoryEntryHeader
	byOffset map[uint64]*DirectoryEntryHeader
}

// Lookup finds the central record for the local header that starts at
// offset.
func (d *Directory) Lookup(offset int64) *DirectoryEntryHeader {
	if d == nil || offset < 0 {
		return nil
	}
	return d.byOffset[uint64(offset)]
}

// ReadDirectory locates and decodes the central directory of a seekable
// archive of the given size.
func ReadDirectory(r io.ReaderAt, size int64) (*Directory, error) {
	end, endOffset, err := findDirectoryEnd(r, size)
	if err != nil {
		return nil, err
	}

	total := uint64(end.TotalEntries)
	dirOffset := uint64(end.DirectoryOffset)
	dirSize := uint64(end.DirectorySize)

	if end.NeedsZip64() && endOffset >= 20 {
		loc, err := readRecord(r, endOffset-20, sigZip64Locator, &Zip64DirectoryEndLocatorHeader{})
		if err == nil {
			locator := loc.(*Zip64DirectoryEndLocatorHeader)
			rec, err := readRecord(r, int64(locator.DirectoryEndOffset), sigZip64End, &Zip64DirectoryEndHeader{})
			if err != nil {
				return nil, err
			}
			z := rec.(*Zip64DirectoryEndHeader)
			total, dirOffset, dirSize = z.TotalEntries, z.DirectoryOffset, z.DirectorySize
		}
	}

	if dirOffset+dirSize > uint64(size) {
		return nil, fmt.Errorf("%w: central directory beyond end of file", archive.ErrCorruptHeader)
	}

	c := archive.NewCursor(io.NewSectionReader(r, int64(dirOffset), int64(dirSize)), int64(dirOffset))
	dir := &Directory{byOffset: make(map[uint64]*DirectoryEntryHeader, total)}
	for i := uint64(0); i < total; i++ {
		sig, err := c.Uint32()
		if err != nil {
			return nil, fmt.Errorf("read central directory entry %d: %w", i, err)
		}
		if sig != sigDirectoryEntry {
			return nil, fmt.Errorf("%w: central directory entry %d has signature 0x%08x", archive.ErrCorruptHeader, i, sig)
		}
		h := &DirectoryEntryHeader{}
		if err := h.Read(c); err != nil {
			return nil, err
		}
		dir.Entries = append(dir.Entries, h)
		dir.byOffset[h.LocalHeaderOffset] = h
	}
	return dir, nil
}

func findDirectoryEnd(r io.ReaderAt, size int64) (*DirectoryEndHeader, int64, error) {
	search := int64(directoryEndFixedLen + 4 + maxCommentLen)
	if search > size {
		search = size
	}
	buf := make([]byte, search)
	if _, err := r.ReadAt(buf, size-search); err != nil && err != io.EOF {
		return nil, 0, err
	}

	sig := []byte{0x50, 0x4b, 0x05, 0x06}
	for i := len(buf) - directoryEndFixedLen - 4; i >= 0; i-- {
		if !bytes.Equal(buf[i:i+4], sig) {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(buf[i+20 : i+22]))
		if i+directoryEndFixedLen+4+commentLen != len(buf) {
			continue
		}
		end := &DirectoryEndHeader{}
		c := archive.NewCursor(bytes.NewReader(buf[i+4:]), size-search+int64(i)+4)
		if err := end.Read(c); err != nil {
			return nil, 0, err
		}
		return end, size - search + int64(i), nil
	}
	return nil, 0, fmt.Errorf("%w: end of central directory not found", archive.ErrCorruptHeader)
}

func readRecord(r io.ReaderAt, offset int64, want uint32, h Header) (Header, error) {
	c := archive.NewCursor(io.NewSectionReader(r, offset, 1<<20), offset)
	sig, err := c.Uint32()
	if err != nil {
		return nil, err
	}
	if sig != want {
		return nil, fmt.Errorf("%w: expected %s record at %d", archive.ErrCorruptHeader, h.Kind(), offset)
	}
	if err := h.Read(c); err != nil {
		return nil, err
	}
	return h, nil
}
