package rarfmt

import (
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/codec"
)

// Reader streams the entries of a RAR volume set in order, following split
// entries across volumes. It implements archive.Reader.
//
// In a solid archive every entry depends on the decoder state left by the
// previous one, so once an entry's payload has been skipped the later solid
// entries can no longer be opened.
type Reader struct {
	first    string
	locator  VolumeLocator
	registry *codec.Registry
	single   bool

	vol      *Volume
	volIndex int
	more     bool

	header  *FileHeader
	entry   *archive.Entry
	pending *payload
	opened  bool
	broken  bool
	last    *archive.Entry
	done    bool
	err     error
}

// Open reads the volume set whose first volume is path.
func Open(path string, locator VolumeLocator, registry *codec.Registry) (*Reader, error) {
	vol, err := OpenVolume(path)
	if err != nil {
		return nil, err
	}
	if vol.Version == Version5 && vol.IsMultiVolume() && !vol.IsFirstVolume() {
		vol.Close()
		return nil, fmt.Errorf("%w: %s is volume %d, not the first volume", archive.ErrCorruptHeader, path, vol.Main.VolumeNumber+1)
	}
	if locator == nil {
		locator = NamingLocator{}
	}
	return newReader(vol, path, locator, registry, false), nil
}

// NewSingleVolumeReader reads a standalone archive and refuses volume sets.
func NewSingleVolumeReader(path string, registry *codec.Registry) (*Reader, error) {
	vol, err := OpenVolume(path)
	if err != nil {
		return nil, err
	}
	if vol.IsMultiVolume() {
		vol.Close()
		return nil, fmt.Errorf("%s: %w", path, archive.ErrMultiVolume)
	}
	return newReader(vol, path, nil, registry, true), nil
}

// NewStreamReader reads a standalone archive from a non-seekable source.
func NewStreamReader(src io.Reader, name string, registry *codec.Registry) (*Reader, error) {
	vol, err := NewStreamVolume(src, name)
	if err != nil {
		return nil, err
	}
	if vol.IsMultiVolume() {
		return nil, fmt.Errorf("%s: %w", name, archive.ErrMultiVolume)
	}
	return newReader(vol, name, nil, registry, true), nil
}

func newReader(vol *Volume, first string, locator VolumeLocator, registry *codec.Registry, single bool) *Reader {
	if registry == nil {
		registry = codec.Default()
	}
	return &Reader{
		first:    first,
		locator:  locator,
		registry: registry,
		single:   single,
		vol:      vol,
		more:     vol.IsMultiVolume(),
	}
}

// LastEntry is the most recent entry returned by Next. It stays available
// after a failure so callers can report where reading stopped.
func (r *Reader) LastEntry() *archive.Entry {
	return r.last
}

func (r *Reader) IsSolid() bool {
	return r.vol.IsSolid()
}

func (r *Reader) Next() (*archive.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}
	if err := r.finishEntry(); err != nil {
		return nil, r.fail(err)
	}

	for {
		h, err := r.vol.NextHeader()
		if err == io.EOF {
			ok, err := r.nextVolume(false)
			if err != nil {
				return nil, r.fail(err)
			}
			if ok {
				continue
			}
			r.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, r.fail(err)
		}

		switch hdr := h.(type) {
		case *FileHeader:
			if hdr.Kind() != KindFile {
				continue
			}
			if hdr.SplitBefore {
				return nil, r.fail(fmt.Errorf("%w: %s in %s continues from a previous volume",
					archive.ErrCorruptHeader, hdr.Name, r.vol.Path))
			}
			return r.beginEntry(hdr)
		case *EndHeader:
			r.more = r.vol.IsMultiVolume() && hdr.NextVolume
		}
	}
}

func (r *Reader) beginEntry(h *FileHeader) (*archive.Entry, error) {
	e := &archive.Entry{
		Name:             h.Name,
		UncompressedSize: h.UnpackedSize,
		Compression:      h.Method,
		IsDirectory:      h.Directory,
		IsSolid:          h.Solid || r.vol.IsSolid(),
		Modified:         h.Modified,
		CRC32:            h.CRC32,
		HasCRC:           h.HasCRC && !h.SplitAfter,
		Mode:             h.Mode(),
	}
	if err := e.AppendPart(partOf(r.vol, h)); err != nil {
		return nil, r.fail(err)
	}
	r.header = h
	r.entry = e
	r.last = e
	r.opened = false
	r.pending = nil
	return e, nil
}

func partOf(v *Volume, h *FileHeader) archive.FilePart {
	return archive.FilePart{
		VolumePath:  v.Path,
		DataOffset:  h.DataOffset(),
		PackedSize:  h.DataSize(),
		SplitBefore: h.SplitBefore,
		SplitAfter:  h.SplitAfter,
	}
}

// Open returns the payload of the current entry. Compressed entries need
// the solid decoder and are reported as an unsupported codec here.
func (r *Reader) Open() (io.ReadCloser, error) {
	if r.entry == nil {
		return nil, errors.New("rar: Open called without a current entry")
	}
	if r.opened {
		return nil, errors.New("rar: entry payload already opened")
	}
	r.opened = true
	e := r.entry

	if e.IsDirectory {
		return io.NopCloser(eofReader{}), nil
	}
	if r.header.Encrypted {
		return nil, &archive.EntryError{Entry: e.Name, Err: archive.ErrEncrypted}
	}
	if r.broken && e.IsSolid {
		return nil, &archive.EntryError{Entry: e.Name, Err: archive.ErrSolidOrder}
	}
	dec, err := r.registry.Lookup(e.Compression)
	if err != nil {
		return nil, &archive.EntryError{Entry: e.Name, Err: err}
	}
	rc, err := dec.NewReader(&packedReader{r: r}, codec.Params{UncompressedSize: e.UncompressedSize})
	if err != nil {
		return nil, &archive.EntryError{Entry: e.Name, Err: err}
	}
	r.pending = &payload{r: r, decoded: rc, crc: crc32.NewIEEE()}
	return r.pending, nil
}

func (r *Reader) Close() error {
	if r.vol != nil {
		return r.vol.Close()
	}
	return nil
}

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

// finishEntry moves past whatever is left of the current entry, following
// it into later volumes if it is split.
func (r *Reader) finishEntry() error {
	if r.entry == nil {
		return nil
	}
	defer func() {
		r.entry = nil
		r.pending = nil
	}()
	if r.entry.IsDirectory {
		return nil
	}
	if r.pending != nil && r.pending.finished {
		return nil
	}
	if r.entry.IsSolid && (r.entry.CompressedSize > 0 || r.header.SplitAfter) {
		r.broken = true
	}
	for r.header.SplitAfter {
		if err := r.continueEntry(); err != nil {
			return err
		}
	}
	return nil
}

// continueEntry opens the next volume and binds the continuation header of
// the current entry.
func (r *Reader) continueEntry() error {
	ok, err := r.nextVolume(true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: volume after %s (needed by %s)", archive.ErrFileNotFound, r.vol.Path, r.entry.Name)
	}
	for {
		h, err := r.vol.NextHeader()
		if err == io.EOF {
			return fmt.Errorf("%w: %s has no continuation of %s", archive.ErrCorruptHeader, r.vol.Path, r.entry.Name)
		}
		if err != nil {
			return err
		}
		hdr, ok := h.(*FileHeader)
		if !ok || hdr.Kind() != KindFile {
			continue
		}
		if hdr.Name != r.entry.Name {
			return fmt.Errorf("%w: expected continuation of %s in %s, found %s",
				archive.ErrCorruptHeader, r.entry.Name, r.vol.Path, hdr.Name)
		}
		if err := r.entry.AppendPart(partOf(r.vol, hdr)); err != nil {
			return err
		}
		if !hdr.SplitAfter {
			r.entry.CRC32 = hdr.CRC32
			r.entry.HasCRC = hdr.HasCRC
		}
		r.header = hdr
		return nil
	}
}

// nextVolume switches to the following volume. Without required it only
// does so when the current volume announced one.
func (r *Reader) nextVolume(required bool) (bool, error) {
	if r.single || (!required && !r.more) {
		return false, nil
	}
	path, err := r.locator.Volume(r.first, r.volIndex+1)
	if errors.Is(err, ErrNoMoreVolumes) {
		if required {
			return false, fmt.Errorf("%w: %v", archive.ErrFileNotFound, err)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	vol, err := OpenVolume(path)
	if err != nil {
		return false, err
	}
	if vol.Version != r.vol.Version {
		vol.Close()
		return false, fmt.Errorf("%w: %s has a different rar version", archive.ErrCorruptHeader, path)
	}
	r.vol.Close()
	r.vol = vol
	r.volIndex++
	r.more = vol.IsMultiVolume()
	return true, nil
}

// packedReader yields the packed bytes of the current entry, crossing into
// continuation volumes as each part runs out.
type packedReader struct {
	r *Reader
}

func (p *packedReader) Read(b []byte) (int, error) {
	for {
		v := p.r.vol
		if left := v.Pending(); left > 0 {
			if int64(len(b)) > left {
				b = b[:left]
			}
			n, err := v.Cursor().Read(b)
			v.Consumed(int64(n))
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		if !p.r.header.SplitAfter {
			return 0, io.EOF
		}
		if err := p.r.continueEntry(); err != nil {
			return 0, err
		}
	}
}

type payload struct {
	r        *Reader
	decoded  io.ReadCloser
	crc      hash.Hash32
	n        int64
	finished bool
	err      error
}

func (p *payload) Read(b []byte) (int, error) {
	if p.err != nil {
		return 0, p.err
	}
	if p.finished {
		return 0, io.EOF
	}
	n, err := p.decoded.Read(b)
	p.crc.Write(b[:n])
	p.n += int64(n)
	if err == io.EOF {
		if ferr := p.finish(); ferr != nil {
			p.err = ferr
			return n, ferr
		}
		return n, io.EOF
	}
	if err != nil {
		if _, ok := err.(*archive.EntryError); !ok {
			err = &archive.EntryError{Entry: p.r.entry.Name, Err: err}
		}
		p.err = err
		return n, err
	}
	return n, nil
}

func (p *payload) finish() error {
	p.finished = true
	e := p.r.entry
	if e.UncompressedSize >= 0 && p.n != e.UncompressedSize {
		return &archive.EntryError{Entry: e.Name, Err: fmt.Errorf("%w: size %d, expected %d", archive.ErrChecksum, p.n, e.UncompressedSize)}
	}
	if e.HasCRC {
		if sum := p.crc.Sum32(); sum != e.CRC32 {
			return &archive.EntryError{Entry: e.Name, Err: fmt.Errorf("%w: crc32 %08x, expected %08x", archive.ErrChecksum, sum, e.CRC32)}
		}
	}
	return nil
}

func (p *payload) Close() error {
	return p.decoded.Close()
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
