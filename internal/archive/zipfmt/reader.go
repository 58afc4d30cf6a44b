package zipfmt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/archive/codec"
)

// Reader streams a ZIP archive entry by entry. It implements archive.Reader.
type Reader struct {
	name     string
	file     *os.File
	cur      *archive.Cursor
	registry *codec.Registry
	dir      *Directory

	local   *LocalEntryHeader
	entry   *archive.Entry
	pending *payload
	opened  bool
	done    bool
	err     error
}

// Open opens the archive at path. The central directory is read up front
// so that entries using data descriptors can be located without decoding.
func Open(path string, registry *codec.Registry) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", archive.ErrFileNotFound, path)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	r := NewStreamReader(f, path, registry)
	r.file = f
	if dir, err := ReadDirectory(f, info.Size()); err == nil {
		r.dir = dir
	}
	return r, nil
}

// NewStreamReader reads from a non-seekable source. Stored entries whose
// size is only given in a trailing data descriptor cannot be streamed.
func NewStreamReader(src io.Reader, name string, registry *codec.Registry) *Reader {
	if registry == nil {
		registry = codec.Default()
	}
	return &Reader{
		name:     name,
		cur:      archive.NewCursor(src, 0),
		registry: registry,
	}
}

// Opener adapts Open to archive.OpenFunc.
func Opener(registry *codec.Registry) archive.OpenFunc {
	return func(path string) (archive.Reader, error) {
		return Open(path, registry)
	}
}

// Next advances to the next local entry, skipping whatever is left of the
// current entry's payload.
func (r *Reader) Next() (*archive.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.done {
		return nil, io.EOF
	}
	if err := r.skipPending(); err != nil {
		return nil, r.fail(err)
	}

	for {
		start := r.cur.Offset()
		sig, err := r.cur.Uint32()
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) && start == r.cur.Offset() {
				r.done = true
				return nil, io.EOF
			}
			return nil, r.fail(err)
		}
		h, err := NewHeader(sig)
		if err != nil {
			return nil, r.fail(err)
		}
		if err := h.Read(r.cur); err != nil {
			return nil, r.fail(fmt.Errorf("read %s header at %d: %w", h.Kind(), start, err))
		}

		switch hdr := h.(type) {
		case *LocalEntryHeader:
			return r.beginEntry(hdr, start)
		case *DirectoryEndHeader:
			r.done = true
			return nil, io.EOF
		case *DirectoryEntryHeader, *Zip64DirectoryEndHeader, *Zip64DirectoryEndLocatorHeader, *IgnoreHeader:
			continue
		default:
			return nil, r.fail(fmt.Errorf("%w: unexpected %s record", archive.ErrCorruptHeader, h.Kind()))
		}
	}
}

func (r *Reader) beginEntry(h *LocalEntryHeader, offset int64) (*archive.Entry, error) {
	packed := int64(h.CompressedSize)
	unpacked := int64(h.UncompressedSize)
	crc := h.CRC32
	known := !h.HasDataDescriptor() || packed != 0 || (h.IsDirectory() && unpacked == 0)

	var mode uint32
	if central := r.dir.Lookup(offset); central != nil {
		mode = central.Mode()
		if !known || h.HasDataDescriptor() {
			packed = int64(central.CompressedSize)
			unpacked = int64(central.UncompressedSize)
			crc = central.CRC32
			known = true
		}
	}
	if !known {
		unpacked = -1
	}

	e := &archive.Entry{
		Name:             h.Name,
		UncompressedSize: unpacked,
		Compression:      h.Compression(),
		IsDirectory:      h.IsDirectory(),
		Modified:         h.Modified,
		CRC32:            crc,
		HasCRC:           known,
		Mode:             mode,
	}
	if err := e.AppendPart(archive.FilePart{
		VolumePath: r.name,
		DataOffset: r.cur.Offset(),
		PackedSize: max(packed, 0),
	}); err != nil {
		return nil, r.fail(err)
	}

	r.local = h
	r.entry = e
	r.opened = false
	r.pending = &payload{
		r:          r,
		known:      known,
		descriptor: h.HasDataDescriptor(),
		crc:        crc32.NewIEEE(),
	}
	if known {
		r.pending.packed = &io.LimitedReader{R: r.cur, N: packed}
	}
	return e, nil
}

// Open returns the decompressed payload of the current entry.
func (r *Reader) Open() (io.ReadCloser, error) {
	if r.entry == nil || r.pending == nil {
		return nil, errors.New("zip: Open called without a current entry")
	}
	if r.opened {
		return nil, errors.New("zip: entry payload already opened")
	}
	r.opened = true

	if r.local.Encrypted() {
		return nil, &archive.EntryError{Entry: r.entry.Name, Err: archive.ErrEncrypted}
	}
	if err := r.pending.start(r.registry); err != nil {
		return nil, &archive.EntryError{Entry: r.entry.Name, Err: err}
	}
	return r.pending, nil
}

func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

func (r *Reader) fail(err error) error {
	if r.err == nil {
		r.err = err
	}
	return r.err
}

func (r *Reader) skipPending() error {
	p := r.pending
	if p == nil || p.finished {
		r.pending = nil
		return nil
	}
	if p.err != nil {
		return p.err
	}
	if p.decoded == nil && p.known {
		if err := r.cur.Discard(p.packed.N); err != nil {
			return err
		}
		p.packed.N = 0
		if p.descriptor {
			if _, err := r.readDescriptor(); err != nil {
				return err
			}
		}
		r.pending = nil
		return nil
	}
	if p.decoded == nil {
		// end of an unsized payload is only found by decoding it
		if r.local.Compression() != archive.CompressionDeflate {
			return fmt.Errorf("%w: cannot locate end of %s entry %s without a central directory",
				archive.ErrCorruptHeader, r.local.Compression(), r.entry.Name)
		}
		if err := p.start(r.registry); err != nil {
			return err
		}
		p.verify = false
	}
	if _, err := io.Copy(io.Discard, p); err != nil {
		return err
	}
	r.pending = nil
	return nil
}

type descriptor struct {
	crc      uint32
	packed   uint64
	unpacked uint64
}

func (r *Reader) readDescriptor() (descriptor, error) {
	var d descriptor
	if b, err := r.cur.Peek(4); err == nil && binary.LittleEndian.Uint32(b) == sigDataDescriptor {
		if err := r.cur.Discard(4); err != nil {
			return d, err
		}
	}
	sizeLen := 4
	if r.local.zip64 {
		sizeLen = 8
	}
	body, err := r.cur.Bytes(4 + 2*sizeLen)
	if err != nil {
		return d, fmt.Errorf("read data descriptor: %w", err)
	}
	dec := archive.NewDecoder(body)
	d.crc = dec.Uint32()
	if sizeLen == 8 {
		d.packed, d.unpacked = dec.Uint64(), dec.Uint64()
	} else {
		d.packed, d.unpacked = uint64(dec.Uint32()), uint64(dec.Uint32())
	}
	return d, dec.Err()
}

// payload is the decompressed view of one entry. Reaching EOF consumes any
// trailing data descriptor and verifies the checksum.
type payload struct {
	r          *Reader
	packed     *io.LimitedReader
	decoded    io.ReadCloser
	known      bool
	descriptor bool
	verify     bool
	crc        hash.Hash32
	n          int64
	finished   bool
	err        error
}

func (p *payload) start(registry *codec.Registry) error {
	e := p.r.entry
	if e.IsDirectory {
		p.decoded = io.NopCloser(eofReader{})
		p.verify = false
		return nil
	}
	dec, err := registry.Lookup(e.Compression)
	if err != nil {
		return err
	}
	var src io.Reader = p.r.cur
	if p.known {
		src = p.packed
	} else if e.Compression != archive.CompressionDeflate {
		return fmt.Errorf("%w: %s entry %s has no recorded size", archive.ErrCorruptHeader, e.Compression, e.Name)
	}
	params := codec.Params{
		UncompressedSize: e.UncompressedSize,
		EndMarker:        p.r.local.Flags&flagLZMAEndMarker != 0,
	}
	rc, err := dec.NewReader(src, params)
	if err != nil {
		return err
	}
	p.decoded = rc
	p.verify = true
	return nil
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
		p.err = &archive.EntryError{Entry: p.r.entry.Name, Err: err}
		return n, p.err
	}
	return n, nil
}

func (p *payload) finish() error {
	p.finished = true
	e := p.r.entry
	if p.packed != nil && p.packed.N > 0 {
		if err := p.r.cur.Discard(p.packed.N); err != nil {
			return err
		}
		p.packed.N = 0
	}

	want, wantSize, haveWant := e.CRC32, e.UncompressedSize, e.HasCRC
	if p.descriptor {
		d, err := p.r.readDescriptor()
		if err != nil {
			return err
		}
		if !p.known {
			want, wantSize, haveWant = d.crc, int64(d.unpacked), true
			e.UncompressedSize = int64(d.unpacked)
			e.Parts[0].PackedSize = int64(d.packed)
			e.CompressedSize = int64(d.packed)
		}
	}
	if !p.verify || !haveWant {
		return nil
	}
	if wantSize >= 0 && p.n != wantSize {
		return &archive.EntryError{Entry: e.Name, Err: fmt.Errorf("%w: size %d, expected %d", archive.ErrChecksum, p.n, wantSize)}
	}
	if sum := p.crc.Sum32(); sum != want {
		return &archive.EntryError{Entry: e.Name, Err: fmt.Errorf("%w: crc32 %08x, expected %08x", archive.ErrChecksum, sum, want)}
	}
	return nil
}

func (p *payload) Close() error {
	if p.decoded != nil {
		return p.decoded.Close()
	}
	return nil
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
