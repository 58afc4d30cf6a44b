package rarfmt

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/codec"
)

// Index is the header-only view of a volume set: every entry with all of
// its parts, in archive order.
type Index struct {
	Version    int
	Volumes    []string
	Entries    []*archive.Entry
	Solid      bool
	Compressed bool
	Encrypted  bool

	volumeSet bool
}

// ScanArchive walks the headers of every volume of the set starting at
// first. Payloads are skipped, not read.
func ScanArchive(first string, locator VolumeLocator) (*Index, error) {
	if locator == nil {
		locator = NamingLocator{}
	}
	idx := &Index{}
	var open *archive.Entry

	for n := 0; ; n++ {
		path, err := locator.Volume(first, n)
		if errors.Is(err, ErrNoMoreVolumes) {
			if open != nil {
				return idx, fmt.Errorf("%w: %v (needed by %s)", archive.ErrFileNotFound, err, open.Name)
			}
			return idx, nil
		}
		if err != nil {
			return idx, err
		}

		end, err := scanVolume(idx, path, &open)
		if err != nil {
			return idx, err
		}
		if !idx.volumeSet || (end != nil && !end.NextVolume) {
			if open != nil {
				return idx, fmt.Errorf("%w: %s ends inside %s", archive.ErrCorruptHeader, path, open.Name)
			}
			return idx, nil
		}
	}
}

func scanVolume(idx *Index, path string, open **archive.Entry) (*EndHeader, error) {
	vol, err := OpenVolume(path)
	if err != nil {
		return nil, err
	}
	defer vol.Close()

	if len(idx.Volumes) == 0 {
		idx.Version = vol.Version
		idx.Solid = vol.IsSolid()
		idx.volumeSet = vol.IsMultiVolume()
	}
	idx.Volumes = append(idx.Volumes, path)

	it := vol.ReadFileParts()
	for {
		h, part, err := it.Next()
		if err == io.EOF {
			return it.End(), nil
		}
		if err != nil {
			return nil, err
		}
		if h.Encrypted {
			idx.Encrypted = true
		}

		if part.SplitBefore {
			if *open == nil || (*open).Name != h.Name {
				return nil, fmt.Errorf("%w: %s in %s continues an entry that was not started",
					archive.ErrCorruptHeader, h.Name, path)
			}
			if err := (*open).AppendPart(part); err != nil {
				return nil, err
			}
		} else {
			if *open != nil {
				return nil, fmt.Errorf("%w: %s is missing its continuation", archive.ErrCorruptHeader, (*open).Name)
			}
			e := &archive.Entry{
				Name:             h.Name,
				UncompressedSize: h.UnpackedSize,
				Compression:      h.Method,
				IsDirectory:      h.Directory,
				IsSolid:          h.Solid || vol.IsSolid(),
				Modified:         h.Modified,
				Mode:             h.Mode(),
			}
			if err := e.AppendPart(part); err != nil {
				return nil, err
			}
			idx.Entries = append(idx.Entries, e)
			if !e.IsDirectory && e.Compression != archive.CompressionNone {
				idx.Compressed = true
			}
			*open = e
		}

		if part.SplitAfter {
			continue
		}
		(*open).CRC32 = h.CRC32
		(*open).HasCRC = h.HasCRC
		*open = nil
	}
}

// Opener picks the reader for a RAR archive: stored-only sets are streamed
// natively, anything compressed goes to the solid-aware decoder. rardecode
// has no RAR5 unpacker, so compressed RAR5 sets report ErrNoDecoder.
func Opener(registry *codec.Registry, locator VolumeLocator) archive.OpenFunc {
	return func(path string) (archive.Reader, error) {
		idx, err := ScanArchive(path, locator)
		if err != nil {
			return nil, err
		}
		if idx.Compressed && idx.Version == Version5 {
			return nil, fmt.Errorf("%w: %s uses RAR5 compression", archive.ErrNoDecoder, filepath.Base(path))
		}
		if idx.Compressed {
			return OpenDecoder(path, idx.Solid)
		}
		return Open(path, locator, registry)
	}
}
