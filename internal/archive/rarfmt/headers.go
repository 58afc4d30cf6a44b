// Package rarfmt reads RAR archives (1.5-4.x and 5.0 layouts) volume by
// volume. Stored payloads are streamed directly; archives using RAR
// compression are handed to rardecode, which owns the decompressor state.
package rarfmt

import (
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"time"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

type HeaderKind int

const (
	KindMark HeaderKind = iota
	KindMain
	KindFile
	KindService
	KindEnd
	KindIgnore
)

func (k HeaderKind) String() string {
	switch k {
	case KindMark:
		return "mark"
	case KindMain:
		return "main"
	case KindFile:
		return "file"
	case KindService:
		return "service"
	case KindEnd:
		return "end"
	case KindIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	Version3 = 3
	Version5 = 5
)

var (
	sigPrefix = []byte("Rar!\x1a\x07")
	sigRar3   = []byte("Rar!\x1a\x07\x00")
	sigRar5   = []byte("Rar!\x1a\x07\x01\x00")
)

// Header is one RAR block. Read consumes the whole header block, including
// its prefix, and leaves the cursor at the block's data area (if any).
type Header interface {
	Kind() HeaderKind
	HasData() bool
	Read(c *archive.Cursor) error
}

// DataSize is implemented by headers followed by a data area.
type DataSize interface {
	DataSize() int64
}

// MarkHeader is the archive signature.
type MarkHeader struct {
	Version int
}

func (h *MarkHeader) Kind() HeaderKind { return KindMark }
func (h *MarkHeader) HasData() bool    { return false }

func (h *MarkHeader) Read(c *archive.Cursor) error {
	sig, err := c.Bytes(len(sigRar3))
	if err != nil {
		return err
	}
	switch {
	case bytes.Equal(sig, sigRar3):
		h.Version = Version3
		return nil
	case bytes.HasPrefix(sig, sigPrefix) && sig[6] == 0x01:
		last, err := c.ReadByte()
		if err != nil {
			return err
		}
		if last != 0x00 {
			return fmt.Errorf("%w: unsupported rar signature version", archive.ErrCorruptHeader)
		}
		h.Version = Version5
		return nil
	default:
		return fmt.Errorf("%w: missing rar signature", archive.ErrCorruptHeader)
	}
}

// MainHeader carries archive-wide flags.
type MainHeader struct {
	version          int
	Volume           bool
	Solid            bool
	FirstVolume      bool
	NewNaming        bool
	Locked           bool
	HeadersEncrypted bool
	VolumeNumber     uint64
}

func (h *MainHeader) Kind() HeaderKind { return KindMain }
func (h *MainHeader) HasData() bool    { return false }

func (h *MainHeader) Read(c *archive.Cursor) error {
	switch h.version {
	case Version3:
		b, err := readBlock3(c)
		if err != nil {
			return err
		}
		h.Volume = b.flags&0x0001 != 0
		h.Locked = b.flags&0x0004 != 0
		h.Solid = b.flags&0x0008 != 0
		h.NewNaming = b.flags&0x0010 != 0
		h.HeadersEncrypted = b.flags&0x0080 != 0
		h.FirstVolume = b.flags&0x0100 != 0 || b.flags&0x0001 == 0
		return nil
	case Version5:
		b, err := readBlock5(c)
		if err != nil {
			return err
		}
		d := archive.NewDecoder(b.specific)
		flags := d.Varint()
		h.Volume = flags&0x0001 != 0
		h.Solid = flags&0x0004 != 0
		h.Locked = flags&0x0010 != 0
		h.NewNaming = true
		if flags&0x0002 != 0 {
			h.VolumeNumber = d.Varint()
		}
		h.FirstVolume = h.VolumeNumber == 0
		return d.Err()
	default:
		return fmt.Errorf("%w: rar version %d", archive.ErrCorruptHeader, h.version)
	}
}

// FileHeader describes one file record, or one volume's fragment of it.
type FileHeader struct {
	version          int
	kind             HeaderKind
	Name             string
	PackedSize       int64
	UnpackedSize     int64
	UnknownSize      bool
	HostOS           byte
	CRC32            uint32
	HasCRC           bool
	Modified         time.Time
	Attributes       uint64
	Method           archive.CompressionType
	SplitBefore      bool
	SplitAfter       bool
	Solid            bool
	Directory        bool
	Encrypted        bool
	dataSize         int64
	headerSize       int64
	dataOffsetInFile int64
}

func (h *FileHeader) Kind() HeaderKind { return h.kind }
func (h *FileHeader) HasData() bool    { return !h.Directory && h.dataSize > 0 }
func (h *FileHeader) DataSize() int64  { return h.dataSize }

// DataOffset is the absolute offset of the packed data in the volume file.
func (h *FileHeader) DataOffset() int64 { return h.dataOffsetInFile }

// Mode returns unix permission bits for archives made on unix hosts.
func (h *FileHeader) Mode() uint32 {
	switch {
	case h.version == Version3 && h.HostOS == 3:
		return uint32(h.Attributes & 0o777)
	case h.version == Version5 && h.HostOS == 1:
		return uint32(h.Attributes & 0o777)
	default:
		return 0
	}
}

func (h *FileHeader) Read(c *archive.Cursor) error {
	var err error
	switch h.version {
	case Version3:
		err = h.read3(c)
	case Version5:
		err = h.read5(c)
	default:
		err = fmt.Errorf("%w: rar version %d", archive.ErrCorruptHeader, h.version)
	}
	if err != nil {
		return err
	}
	h.dataOffsetInFile = c.Offset()
	return nil
}

func (h *FileHeader) read3(c *archive.Cursor) error {
	start := c.Offset()
	b, err := readBlock3(c)
	if err != nil {
		return err
	}
	d := archive.NewDecoder(b.body)
	packLow := d.Uint32()
	unpLow := d.Uint32()
	h.HostOS = d.Uint8()
	h.CRC32 = d.Uint32()
	h.HasCRC = true
	h.Modified = dosTime(d.Uint32())
	d.Uint8() // version needed to extract
	method := d.Uint8()
	nameSize := int(d.Uint16())
	h.Attributes = uint64(d.Uint32())
	packHigh, unpHigh := uint32(0), uint32(0)
	if b.flags&0x0100 != 0 {
		packHigh = d.Uint32()
		unpHigh = d.Uint32()
	}
	rawName := d.Bytes(nameSize)
	if err := d.Err(); err != nil {
		return err
	}

	h.PackedSize = int64(packHigh)<<32 | int64(packLow)
	h.UnpackedSize = int64(unpHigh)<<32 | int64(unpLow)
	h.UnknownSize = b.flags&0x0100 != 0 && unpLow == 0xffffffff && unpHigh == 0xffffffff
	if h.UnknownSize {
		h.UnpackedSize = -1
	}
	h.dataSize = h.PackedSize
	h.headerSize = c.Offset() - start
	h.SplitBefore = b.flags&0x0001 != 0
	h.SplitAfter = b.flags&0x0002 != 0
	h.Encrypted = b.flags&0x0004 != 0
	h.Solid = b.flags&0x0010 != 0
	h.Directory = b.flags&0x00e0 == 0x00e0

	switch {
	case method == 0x30:
		h.Method = archive.CompressionNone
	case method >= 0x31 && method <= 0x35:
		h.Method = archive.CompressionRar
	default:
		h.Method = archive.CompressionUnknown
	}

	if b.flags&0x0200 != 0 {
		if i := bytes.IndexByte(rawName, 0); i >= 0 {
			h.Name = decodeUnicodeName(rawName[:i], rawName[i+1:])
		} else {
			h.Name = string(rawName)
		}
	} else {
		h.Name = string(rawName)
	}
	// DOS, OS/2 and Win32 hosts store backslash separators
	if h.HostOS <= 2 {
		h.Name = strings.ReplaceAll(h.Name, `\`, "/")
	}
	return nil
}

func (h *FileHeader) read5(c *archive.Cursor) error {
	start := c.Offset()
	b, err := readBlock5(c)
	if err != nil {
		return err
	}
	d := archive.NewDecoder(b.specific)
	fileFlags := d.Varint()
	unpacked := d.Varint()
	h.Attributes = d.Varint()
	if fileFlags&0x0002 != 0 {
		h.Modified = time.Unix(int64(d.Uint32()), 0)
	}
	if fileFlags&0x0004 != 0 {
		h.CRC32 = d.Uint32()
		h.HasCRC = true
	}
	compInfo := d.Varint()
	h.HostOS = byte(d.Varint())
	nameLen := int(d.Varint())
	rawName := d.Bytes(nameLen)
	if err := d.Err(); err != nil {
		return err
	}

	h.Name = string(rawName)
	h.Directory = fileFlags&0x0001 != 0
	h.UnknownSize = fileFlags&0x0008 != 0
	h.UnpackedSize = int64(unpacked)
	if h.UnknownSize {
		h.UnpackedSize = -1
	}
	h.PackedSize = int64(b.dataSize)
	h.dataSize = int64(b.dataSize)
	h.headerSize = c.Offset() - start
	h.SplitBefore = b.flags&0x0008 != 0
	h.SplitAfter = b.flags&0x0010 != 0
	h.Solid = compInfo&0x0040 != 0
	if (compInfo>>7)&0x7 == 0 {
		h.Method = archive.CompressionNone
	} else {
		h.Method = archive.CompressionRar
	}

	extra := archive.NewDecoder(b.extra)
	for extra.Remaining() > 0 {
		size := int(extra.Varint())
		record := extra.Bytes(size)
		if err := extra.Err(); err != nil {
			return err
		}
		rd := archive.NewDecoder(record)
		const recordEncryption = 0x01
		if rd.Varint() == recordEncryption {
			h.Encrypted = true
		}
	}
	return nil
}

// EndHeader terminates a volume.
type EndHeader struct {
	version    int
	NextVolume bool
}

func (h *EndHeader) Kind() HeaderKind { return KindEnd }
func (h *EndHeader) HasData() bool    { return false }

func (h *EndHeader) Read(c *archive.Cursor) error {
	switch h.version {
	case Version3:
		b, err := readBlock3(c)
		if err != nil {
			return err
		}
		h.NextVolume = b.flags&0x0001 != 0
		return nil
	case Version5:
		b, err := readBlock5(c)
		if err != nil {
			return err
		}
		d := archive.NewDecoder(b.specific)
		h.NextVolume = d.Varint()&0x0001 != 0
		return d.Err()
	default:
		return fmt.Errorf("%w: rar version %d", archive.ErrCorruptHeader, h.version)
	}
}

// IgnoreHeader is a recognised block that extraction does not need:
// comments, recovery records, authenticity data. Its data area, if any, is
// skipped by the volume.
type IgnoreHeader struct {
	version  int
	dataSize int64
}

func (h *IgnoreHeader) Kind() HeaderKind { return KindIgnore }
func (h *IgnoreHeader) HasData() bool    { return h.dataSize > 0 }
func (h *IgnoreHeader) DataSize() int64  { return h.dataSize }

func (h *IgnoreHeader) Read(c *archive.Cursor) error {
	switch h.version {
	case Version3:
		b, err := readBlock3(c)
		if err != nil {
			return err
		}
		if b.flags&0x8000 != 0 {
			d := archive.NewDecoder(b.body)
			h.dataSize = int64(d.Uint32())
			return d.Err()
		}
		return nil
	case Version5:
		b, err := readBlock5(c)
		if err != nil {
			return err
		}
		h.dataSize = int64(b.dataSize)
		return nil
	default:
		return fmt.Errorf("%w: rar version %d", archive.ErrCorruptHeader, h.version)
	}
}

const (
	rar3TypeMark    = 0x72
	rar3TypeMain    = 0x73
	rar3TypeFile    = 0x74
	rar3TypeComment = 0x75
	rar3TypeAV      = 0x76
	rar3TypeOldSub  = 0x77
	rar3TypeProtect = 0x78
	rar3TypeSign    = 0x79
	rar3TypeService = 0x7a
	rar3TypeEnd     = 0x7b

	rar5TypeMain       = 1
	rar5TypeFile       = 2
	rar5TypeService    = 3
	rar5TypeEncryption = 4
	rar5TypeEnd        = 5

	rar5FlagSkipIfUnknown = 0x0004
)

// NextHeader peeks at the next block's type and returns the header that
// will decode it. Unknown block types are a corrupt archive unless a RAR5
// block marks itself as skippable.
func NextHeader(c *archive.Cursor, version int) (Header, error) {
	switch version {
	case Version3:
		p, err := peekBlockStart(c, 7)
		if err != nil {
			return nil, err
		}
		switch p[2] {
		case rar3TypeMain:
			return &MainHeader{version: version}, nil
		case rar3TypeFile:
			return &FileHeader{version: version, kind: KindFile}, nil
		case rar3TypeService:
			return &FileHeader{version: version, kind: KindService}, nil
		case rar3TypeEnd:
			return &EndHeader{version: version}, nil
		case rar3TypeComment, rar3TypeAV, rar3TypeOldSub, rar3TypeProtect, rar3TypeSign:
			return &IgnoreHeader{version: version}, nil
		default:
			return nil, fmt.Errorf("%w: unknown rar block type 0x%02x at %d", archive.ErrCorruptHeader, p[2], c.Offset())
		}
	case Version5:
		typ, flags, err := peekBlock5(c)
		if err != nil {
			return nil, err
		}
		switch typ {
		case rar5TypeMain:
			return &MainHeader{version: version}, nil
		case rar5TypeFile:
			return &FileHeader{version: version, kind: KindFile}, nil
		case rar5TypeService:
			return &FileHeader{version: version, kind: KindService}, nil
		case rar5TypeEnd:
			return &EndHeader{version: version}, nil
		case rar5TypeEncryption:
			return nil, archive.ErrEncrypted
		default:
			if flags&rar5FlagSkipIfUnknown != 0 {
				return &IgnoreHeader{version: version}, nil
			}
			return nil, fmt.Errorf("%w: unknown rar5 block type %d at %d", archive.ErrCorruptHeader, typ, c.Offset())
		}
	default:
		return nil, fmt.Errorf("%w: rar version %d", archive.ErrCorruptHeader, version)
	}
}

type block3 struct {
	flags uint16
	body  []byte
}

func readBlock3(c *archive.Cursor) (*block3, error) {
	prefix, err := c.Bytes(7)
	if err != nil {
		return nil, err
	}
	d := archive.NewDecoder(prefix)
	crc := d.Uint16()
	d.Uint8()
	flags := d.Uint16()
	size := int(d.Uint16())
	if size < 7 {
		return nil, fmt.Errorf("%w: rar block size %d", archive.ErrCorruptHeader, size)
	}
	body, err := c.Bytes(size - 7)
	if err != nil {
		return nil, err
	}
	sum := crc32.NewIEEE()
	sum.Write(prefix[2:])
	sum.Write(body)
	if uint16(sum.Sum32()) != crc {
		return nil, fmt.Errorf("%w: rar block checksum mismatch", archive.ErrCorruptHeader)
	}
	return &block3{flags: flags, body: body}, nil
}

type block5 struct {
	flags    uint64
	dataSize uint64
	specific []byte
	extra    []byte
}

const maxHeaderSize5 = 2 * 1024 * 1024

func readBlock5(c *archive.Cursor) (*block5, error) {
	crc, err := c.Uint32()
	if err != nil {
		return nil, err
	}
	var sizeBytes []byte
	var size uint64
	for i := 0; ; i++ {
		if i == 3 {
			return nil, fmt.Errorf("%w: rar5 header size too long", archive.ErrCorruptHeader)
		}
		bt, err := c.ReadByte()
		if err != nil {
			return nil, err
		}
		sizeBytes = append(sizeBytes, bt)
		size |= uint64(bt&0x7f) << (7 * i)
		if bt&0x80 == 0 {
			break
		}
	}
	if size == 0 || size > maxHeaderSize5 {
		return nil, fmt.Errorf("%w: rar5 header size %d", archive.ErrCorruptHeader, size)
	}
	body, err := c.Bytes(int(size))
	if err != nil {
		return nil, err
	}
	sum := crc32.NewIEEE()
	sum.Write(sizeBytes)
	sum.Write(body)
	if sum.Sum32() != crc {
		return nil, fmt.Errorf("%w: rar5 header checksum mismatch", archive.ErrCorruptHeader)
	}

	d := archive.NewDecoder(body)
	d.Varint() // type, already known
	b := &block5{flags: d.Varint()}
	var extraSize uint64
	if b.flags&0x0001 != 0 {
		extraSize = d.Varint()
	}
	if b.flags&0x0002 != 0 {
		b.dataSize = d.Varint()
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	rest := body[d.Pos():]
	if extraSize > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: rar5 extra area size %d", archive.ErrCorruptHeader, extraSize)
	}
	b.specific = rest[:len(rest)-int(extraSize)]
	b.extra = rest[len(rest)-int(extraSize):]
	return b, nil
}

// peekBlock5 decodes the type and flags of the next RAR5 block without
// consuming it.
// peekBlockStart returns the first n bytes of the next block. No bytes at
// all is a clean io.EOF; fewer than n means the volume was cut inside a
// header.
func peekBlockStart(c *archive.Cursor, n int) ([]byte, error) {
	p, err := c.Peek(n)
	if err == nil {
		return p, nil
	}
	if len(p) == 0 && errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("%w: %d stray bytes at %d: %w", archive.ErrCorruptHeader, len(p), c.Offset(), err)
}

func peekBlock5(c *archive.Cursor) (uint64, uint64, error) {
	p, err := c.Peek(4 + 3 + 10 + 10)
	if err != nil && len(p) < 4+3 {
		if _, err := peekBlockStart(c, 4+3); err != nil {
			return 0, 0, err
		}
	}
	d := archive.NewDecoder(p[4:])
	d.Varint()
	typ := d.Varint()
	flags := d.Varint()
	if d.Err() != nil {
		return 0, 0, d.Err()
	}
	return typ, flags, nil
}

func dosTime(v uint32) time.Time {
	if v == 0 {
		return time.Time{}
	}
	date, tm := uint16(v>>16), uint16(v)
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0xf),
		int(date&0x1f),
		int(tm>>11),
		int(tm>>5&0x3f),
		int(tm&0x1f)*2,
		0,
		time.Local,
	)
}

// decodeUnicodeName rebuilds a RAR3 unicode file name from its ASCII form
// and the packed high-byte stream that follows the NUL separator.
func decodeUnicodeName(ascii, packed []byte) string {
	if len(packed) == 0 {
		return string(ascii)
	}
	out := make([]rune, 0, len(ascii))
	pos := 0
	highByte := uint16(packed[pos])
	pos++
	var flags byte
	flagBits := 0
	next := func() (byte, bool) {
		if pos >= len(packed) {
			return 0, false
		}
		b := packed[pos]
		pos++
		return b, true
	}

	for pos < len(packed) {
		if flagBits == 0 {
			f, ok := next()
			if !ok {
				break
			}
			flags = f
			flagBits = 8
		}
		flagBits -= 2
		switch flags >> 6 {
		case 0:
			b, ok := next()
			if !ok {
				return string(out)
			}
			out = append(out, rune(b))
		case 1:
			b, ok := next()
			if !ok {
				return string(out)
			}
			out = append(out, rune(uint16(b)|highByte<<8))
		case 2:
			lo, ok1 := next()
			hi, ok2 := next()
			if !ok1 || !ok2 {
				return string(out)
			}
			out = append(out, rune(uint16(lo)|uint16(hi)<<8))
		case 3:
			l, ok := next()
			if !ok {
				return string(out)
			}
			if l&0x80 != 0 {
				correction, ok := next()
				if !ok {
					return string(out)
				}
				for n := int(l&0x7f) + 2; n > 0 && len(out) < len(ascii); n-- {
					out = append(out, rune((uint16(ascii[len(out)])+uint16(correction))&0xff|highByte<<8))
				}
			} else {
				for n := int(l) + 2; n > 0 && len(out) < len(ascii); n-- {
					out = append(out, rune(ascii[len(out)]))
				}
			}
		}
		flags <<= 2
	}
	return string(out)
}
