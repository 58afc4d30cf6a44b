// Package zipfmt decodes ZIP archives as a forward-only stream of local
// entry headers, consulting the central directory only to recover sizes the
// local headers defer to a data descriptor.
package zipfmt

import (
	"fmt"
	"hash/crc32"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"golang.org/x/text/encoding/charmap"
)

type HeaderKind int

const (
	KindIgnore HeaderKind = iota
	KindLocalEntry
	KindDirectoryEntry
	KindDirectoryEnd
	KindSplit
	KindZip64DirectoryEnd
	KindZip64DirectoryEndLocator
)

func (k HeaderKind) String() string {
	switch k {
	case KindIgnore:
		return "ignore"
	case KindLocalEntry:
		return "local-entry"
	case KindDirectoryEntry:
		return "directory-entry"
	case KindDirectoryEnd:
		return "directory-end"
	case KindSplit:
		return "split"
	case KindZip64DirectoryEnd:
		return "zip64-directory-end"
	case KindZip64DirectoryEndLocator:
		return "zip64-directory-end-locator"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const (
	sigLocalEntry        = 0x04034b50
	sigDirectoryEntry    = 0x02014b50
	sigDirectoryEnd      = 0x06054b50
	sigZip64End          = 0x06064b50
	sigZip64Locator      = 0x07064b50
	sigSplit             = 0x08074b50
	sigDataDescriptor    = 0x08074b50
	sigSplitPlaceholder  = 0x30304b50
	sigArchiveExtraData  = 0x08064b50
	sigDigitalSignature  = 0x05054b50
	zip64Marker32        = 0xffffffff
	zip64Marker16        = 0xffff
	extraZip64           = 0x0001
	extraExtendedTime    = 0x5455
	extraUnicodePath     = 0x7075
	flagEncrypted        = 0x0001
	flagLZMAEndMarker    = 0x0002
	flagDataDescriptor   = 0x0008
	flagUTF8             = 0x0800
	methodStore          = 0
	methodDeflate        = 8
	methodDeflate64      = 9
	methodBZip2          = 12
	methodLZMA           = 14
	methodZstd           = 93
	methodXz             = 95
	methodPPMd           = 98
	localFixedLen        = 26
	directoryFixedLen    = 42
	directoryEndFixedLen = 18
)

// Header is one ZIP record. Read is called with the cursor positioned just
// past the 4-byte signature and must consume exactly the record's bytes.
type Header interface {
	Kind() HeaderKind
	HasData() bool
	Read(c *archive.Cursor) error
}

// NewHeader returns an empty header for signature. Unknown signatures are a
// corrupt archive, not something to skip.
func NewHeader(signature uint32) (Header, error) {
	switch signature {
	case sigLocalEntry:
		return &LocalEntryHeader{}, nil
	case sigDirectoryEntry:
		return &DirectoryEntryHeader{}, nil
	case sigDirectoryEnd:
		return &DirectoryEndHeader{}, nil
	case sigZip64End:
		return &Zip64DirectoryEndHeader{}, nil
	case sigZip64Locator:
		return &Zip64DirectoryEndLocatorHeader{}, nil
	case sigSplit:
		return &SplitHeader{}, nil
	case sigSplitPlaceholder:
		return &IgnoreHeader{}, nil
	case sigArchiveExtraData:
		return &IgnoreHeader{lengthBytes: 4}, nil
	case sigDigitalSignature:
		return &IgnoreHeader{lengthBytes: 2}, nil
	default:
		return nil, fmt.Errorf("%w: unknown zip record signature 0x%08x", archive.ErrCorruptHeader, signature)
	}
}

// IgnoreHeader covers records that carry nothing extraction needs. When
// lengthBytes is non-zero the record begins with its own body length.
type IgnoreHeader struct {
	lengthBytes int
}

func (h *IgnoreHeader) Kind() HeaderKind { return KindIgnore }
func (h *IgnoreHeader) HasData() bool    { return false }

func (h *IgnoreHeader) Read(c *archive.Cursor) error {
	var size int64
	switch h.lengthBytes {
	case 0:
		return nil
	case 2:
		n, err := c.Uint16()
		if err != nil {
			return err
		}
		size = int64(n)
	case 4:
		n, err := c.Uint32()
		if err != nil {
			return err
		}
		size = int64(n)
	default:
		return fmt.Errorf("%w: ignore record with %d-byte length", archive.ErrCorruptHeader, h.lengthBytes)
	}
	return c.Discard(size)
}

// SplitHeader marks the first segment of a split (spanned) archive.
type SplitHeader struct{}

func (h *SplitHeader) Kind() HeaderKind { return KindSplit }
func (h *SplitHeader) HasData() bool    { return false }

func (h *SplitHeader) Read(*archive.Cursor) error {
	return archive.ErrSplitUnsupported
}

// entryFields are shared between local and central directory records.
type entryFields struct {
	Version          uint16
	Flags            uint16
	Method           uint16
	ModTime          uint16
	ModDate          uint16
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64
	RawName          []byte
	Extra            []byte
	Name             string
	Modified         time.Time
	zip64            bool
}

func (f *entryFields) decodeSizes(d *archive.Decoder) {
	f.CRC32 = d.Uint32()
	f.CompressedSize = uint64(d.Uint32())
	f.UncompressedSize = uint64(d.Uint32())
}

// applyExtra walks the extra field, upgrading 32-bit sizes from the zip64
// record and picking up names and timestamps. offset is only meaningful for
// directory entries.
func (f *entryFields) applyExtra(offset *uint64) error {
	d := archive.NewDecoder(f.Extra)
	for d.Remaining() >= 4 {
		id := d.Uint16()
		size := int(d.Uint16())
		body := d.Bytes(size)
		if d.Err() != nil {
			return d.Err()
		}
		fd := archive.NewDecoder(body)
		switch id {
		case extraZip64:
			f.zip64 = true
			if f.UncompressedSize == zip64Marker32 {
				f.UncompressedSize = fd.Uint64()
			}
			if f.CompressedSize == zip64Marker32 {
				f.CompressedSize = fd.Uint64()
			}
			if offset != nil && *offset == zip64Marker32 {
				*offset = fd.Uint64()
			}
			if err := fd.Err(); err != nil {
				return err
			}
		case extraExtendedTime:
			if len(body) >= 5 && body[0]&1 != 0 {
				fd.Uint8()
				f.Modified = time.Unix(int64(int32(fd.Uint32())), 0)
			}
		case extraUnicodePath:
			if len(body) > 5 && body[0] == 1 {
				fd.Uint8()
				sum := fd.Uint32()
				if sum == crc32.ChecksumIEEE(f.RawName) && utf8.Valid(body[5:]) {
					f.Name = string(body[5:])
				}
			}
		}
	}
	return nil
}

func (f *entryFields) finish(offset *uint64) error {
	if f.Flags&flagUTF8 != 0 || isASCII(f.RawName) {
		f.Name = string(f.RawName)
	} else {
		name, err := charmap.CodePage437.NewDecoder().Bytes(f.RawName)
		if err != nil {
			return fmt.Errorf("%w: entry name: %v", archive.ErrCorruptHeader, err)
		}
		f.Name = string(name)
	}
	f.Modified = dosTime(f.ModDate, f.ModTime)
	return f.applyExtra(offset)
}

// Compression maps the ZIP method id onto the engine's codec tags.
func (f *entryFields) Compression() archive.CompressionType {
	switch f.Method {
	case methodStore:
		return archive.CompressionNone
	case methodDeflate:
		return archive.CompressionDeflate
	case methodDeflate64:
		return archive.CompressionDeflate64
	case methodBZip2:
		return archive.CompressionBZip2
	case methodLZMA:
		return archive.CompressionLZMA
	case methodZstd:
		return archive.CompressionZstd
	case methodXz:
		return archive.CompressionXz
	case methodPPMd:
		return archive.CompressionPPMd
	default:
		return archive.CompressionUnknown
	}
}

func (f *entryFields) IsDirectory() bool {
	return strings.HasSuffix(f.Name, "/") || strings.HasSuffix(f.Name, `\`)
}

func (f *entryFields) Encrypted() bool {
	return f.Flags&flagEncrypted != 0
}

func (f *entryFields) HasDataDescriptor() bool {
	return f.Flags&flagDataDescriptor != 0
}

// LocalEntryHeader precedes each entry's packed payload.
type LocalEntryHeader struct {
	entryFields
}

func (h *LocalEntryHeader) Kind() HeaderKind { return KindLocalEntry }
func (h *LocalEntryHeader) HasData() bool    { return true }

func (h *LocalEntryHeader) Read(c *archive.Cursor) error {
	fixed, err := c.Bytes(localFixedLen)
	if err != nil {
		return err
	}
	d := archive.NewDecoder(fixed)
	h.Version = d.Uint16()
	h.Flags = d.Uint16()
	h.Method = d.Uint16()
	h.ModTime = d.Uint16()
	h.ModDate = d.Uint16()
	h.decodeSizes(d)
	nameLen := int(d.Uint16())
	extraLen := int(d.Uint16())
	if err := d.Err(); err != nil {
		return err
	}
	if h.RawName, err = c.Bytes(nameLen); err != nil {
		return err
	}
	if h.Extra, err = c.Bytes(extraLen); err != nil {
		return err
	}
	return h.finish(nil)
}

// DirectoryEntryHeader is one central directory record.
type DirectoryEntryHeader struct {
	entryFields
	VersionMadeBy      uint16
	Comment            []byte
	DiskStart          uint16
	InternalAttributes uint16
	ExternalAttributes uint32
	LocalHeaderOffset  uint64
}

func (h *DirectoryEntryHeader) Kind() HeaderKind { return KindDirectoryEntry }
func (h *DirectoryEntryHeader) HasData() bool    { return false }

func (h *DirectoryEntryHeader) Read(c *archive.Cursor) error {
	fixed, err := c.Bytes(directoryFixedLen)
	if err != nil {
		return err
	}
	d := archive.NewDecoder(fixed)
	h.VersionMadeBy = d.Uint16()
	h.Version = d.Uint16()
	h.Flags = d.Uint16()
	h.Method = d.Uint16()
	h.ModTime = d.Uint16()
	h.ModDate = d.Uint16()
	h.decodeSizes(d)
	nameLen := int(d.Uint16())
	extraLen := int(d.Uint16())
	commentLen := int(d.Uint16())
	h.DiskStart = d.Uint16()
	h.InternalAttributes = d.Uint16()
	h.ExternalAttributes = d.Uint32()
	h.LocalHeaderOffset = uint64(d.Uint32())
	if err := d.Err(); err != nil {
		return err
	}
	if h.RawName, err = c.Bytes(nameLen); err != nil {
		return err
	}
	if h.Extra, err = c.Bytes(extraLen); err != nil {
		return err
	}
	if h.Comment, err = c.Bytes(commentLen); err != nil {
		return err
	}
	return h.finish(&h.LocalHeaderOffset)
}

// Mode returns unix permission bits when the entry was made on a unix host.
func (h *DirectoryEntryHeader) Mode() uint32 {
	const hostUnix = 3
	if h.VersionMadeBy>>8 == hostUnix {
		return (h.ExternalAttributes >> 16) & 0o777
	}
	return 0
}

// DirectoryEndHeader closes the central directory.
type DirectoryEndHeader struct {
	DiskNumber      uint16
	DirectoryDisk   uint16
	EntriesOnDisk   uint16
	TotalEntries    uint16
	DirectorySize   uint32
	DirectoryOffset uint32
	Comment         []byte
}

func (h *DirectoryEndHeader) Kind() HeaderKind { return KindDirectoryEnd }
func (h *DirectoryEndHeader) HasData() bool    { return false }

func (h *DirectoryEndHeader) Read(c *archive.Cursor) error {
	fixed, err := c.Bytes(directoryEndFixedLen)
	if err != nil {
		return err
	}
	d := archive.NewDecoder(fixed)
	h.DiskNumber = d.Uint16()
	h.DirectoryDisk = d.Uint16()
	h.EntriesOnDisk = d.Uint16()
	h.TotalEntries = d.Uint16()
	h.DirectorySize = d.Uint32()
	h.DirectoryOffset = d.Uint32()
	commentLen := int(d.Uint16())
	if err := d.Err(); err != nil {
		return err
	}
	h.Comment, err = c.Bytes(commentLen)
	return err
}

// NeedsZip64 reports whether the real values live in the zip64 record.
func (h *DirectoryEndHeader) NeedsZip64() bool {
	return h.TotalEntries == zip64Marker16 || h.DirectorySize == zip64Marker32 || h.DirectoryOffset == zip64Marker32
}

type Zip64DirectoryEndHeader struct {
	RecordSize      uint64
	VersionMadeBy   uint16
	Version         uint16
	DiskNumber      uint32
	DirectoryDisk   uint32
	EntriesOnDisk   uint64
	TotalEntries    uint64
	DirectorySize   uint64
	DirectoryOffset uint64
}

func (h *Zip64DirectoryEndHeader) Kind() HeaderKind { return KindZip64DirectoryEnd }
func (h *Zip64DirectoryEndHeader) HasData() bool    { return false }

func (h *Zip64DirectoryEndHeader) Read(c *archive.Cursor) error {
	size, err := c.Bytes(8)
	if err != nil {
		return err
	}
	h.RecordSize = archive.NewDecoder(size).Uint64()
	const fixed = 44
	if h.RecordSize < fixed || h.RecordSize > 1<<20 {
		return fmt.Errorf("%w: zip64 end record size %d", archive.ErrCorruptHeader, h.RecordSize)
	}
	body, err := c.Bytes(int(h.RecordSize))
	if err != nil {
		return err
	}
	d := archive.NewDecoder(body)
	h.VersionMadeBy = d.Uint16()
	h.Version = d.Uint16()
	h.DiskNumber = d.Uint32()
	h.DirectoryDisk = d.Uint32()
	h.EntriesOnDisk = d.Uint64()
	h.TotalEntries = d.Uint64()
	h.DirectorySize = d.Uint64()
	h.DirectoryOffset = d.Uint64()
	return d.Err()
}

type Zip64DirectoryEndLocatorHeader struct {
	DirectoryEndDisk   uint32
	DirectoryEndOffset uint64
	TotalDisks         uint32
}

func (h *Zip64DirectoryEndLocatorHeader) Kind() HeaderKind { return KindZip64DirectoryEndLocator }
func (h *Zip64DirectoryEndLocatorHeader) HasData() bool    { return false }

func (h *Zip64DirectoryEndLocatorHeader) Read(c *archive.Cursor) error {
	body, err := c.Bytes(16)
	if err != nil {
		return err
	}
	d := archive.NewDecoder(body)
	h.DirectoryEndDisk = d.Uint32()
	h.DirectoryEndOffset = d.Uint64()
	h.TotalDisks = d.Uint32()
	return d.Err()
}

func dosTime(date, tm uint16) time.Time {
	if date == 0 && tm == 0 {
		return time.Time{}
	}
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

func isASCII(b []byte) bool {
	for _, c := range b {
		if c >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
