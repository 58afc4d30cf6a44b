package archive

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies the container layout of an archive. It is fixed once per
// archive open.
type Format int

const (
	Detect Format = iota
	Zip
	Rar
	Tar
	Gzip
	SevenZip
	TarGz
	TarXz
	TarZst
	TarLz4
	TarBz2
)

// Formats lists every concrete format in a stable order.
var Formats = []Format{Zip, Rar, Tar, Gzip, SevenZip, TarGz, TarXz, TarZst, TarLz4, TarBz2}

func (f Format) String() string {
	switch f {
	case Detect:
		return "detect"
	case Zip:
		return "zip"
	case Rar:
		return "rar"
	case Tar:
		return "tar"
	case Gzip:
		return "gzip"
	case SevenZip:
		return "7z"
	case TarGz:
		return "tar.gz"
	case TarXz:
		return "tar.xz"
	case TarZst:
		return "tar.zst"
	case TarLz4:
		return "tar.lz4"
	case TarBz2:
		return "tar.bz2"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// IsTarball reports whether the format is a tar stream, compressed or not.
func (f Format) IsTarball() bool {
	switch f {
	case Tar, TarGz, TarXz, TarZst, TarLz4, TarBz2:
		return true
	case Detect, Zip, Rar, Gzip, SevenZip:
		return false
	default:
		return false
	}
}

func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Format) UnmarshalText(text []byte) error {
	parsed, err := ParseFormat(string(text))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseFormat accepts the canonical names plus the common aliases used on
// command lines ("gz", "tgz", "sevenzip", ...). An empty string means Detect.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "detect", "auto":
		return Detect, nil
	case "zip":
		return Zip, nil
	case "rar":
		return Rar, nil
	case "tar":
		return Tar, nil
	case "gzip", "gz":
		return Gzip, nil
	case "7z", "sevenzip", "7zip":
		return SevenZip, nil
	case "tar.gz", "tgz", "targz", "unitypackage":
		return TarGz, nil
	case "tar.xz", "txz":
		return TarXz, nil
	case "tar.zst", "tzst", "tar.zstd":
		return TarZst, nil
	case "tar.lz4", "tlz4":
		return TarLz4, nil
	case "tar.bz2", "tbz2", "tbz":
		return TarBz2, nil
	default:
		return Detect, fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

type suffixFormat struct {
	suffix string
	format Format
}

// longest suffixes first so ".tar.gz" wins over ".gz"
var suffixFormats = []suffixFormat{
	{".unitypackage", TarGz},
	{".tar.zst", TarZst},
	{".tar.lz4", TarLz4},
	{".tar.bz2", TarBz2},
	{".tar.gz", TarGz},
	{".tar.xz", TarXz},
	{".tzst", TarZst},
	{".tbz2", TarBz2},
	{".tgz", TarGz},
	{".txz", TarXz},
	{".zip", Zip},
	{".rar", Rar},
	{".tar", Tar},
	{".7z", SevenZip},
	{".gz", Gzip},
}

// FormatFromName resolves a format from a file name alone. Legacy RAR
// continuation volumes (".r00") resolve to Rar.
func FormatFromName(name string) (Format, bool) {
	lower := strings.ToLower(filepath.Base(name))
	for _, sf := range suffixFormats {
		if strings.HasSuffix(lower, sf.suffix) {
			return sf.format, true
		}
	}
	if ext := filepath.Ext(lower); len(ext) == 4 && ext[1] == 'r' && isDigit(ext[2]) && isDigit(ext[3]) {
		return Rar, true
	}
	return Detect, false
}

// TrimArchiveExt strips the archive suffix FormatFromName would match,
// leaving the name a directory for its contents would take.
func TrimArchiveExt(name string) string {
	base := filepath.Base(name)
	lower := strings.ToLower(base)
	for _, sf := range suffixFormats {
		if strings.HasSuffix(lower, sf.suffix) {
			return base[:len(base)-len(sf.suffix)]
		}
	}
	if ext := filepath.Ext(base); ext != "" {
		return strings.TrimSuffix(base, ext)
	}
	return base
}

type signature struct {
	offset int
	magic  []byte
	format Format
}

var signatures = []signature{
	{0, []byte("PK\x03\x04"), Zip},
	{0, []byte("PK\x05\x06"), Zip},
	{0, []byte("PK\x07\x08"), Zip},
	{0, []byte("Rar!\x1a\x07\x01\x00"), Rar},
	{0, []byte("Rar!\x1a\x07\x00"), Rar},
	{0, []byte("7z\xbc\xaf\x27\x1c"), SevenZip},
	{0, []byte("\x1f\x8b"), Gzip},
	{0, []byte("\xfd7zXZ\x00"), TarXz},
	{0, []byte("\x28\xb5\x2f\xfd"), TarZst},
	{0, []byte("\x04\x22\x4d\x18"), TarLz4},
	{0, []byte("BZh"), TarBz2},
	{257, []byte("ustar"), Tar},
}

const sniffLen = 512

// FormatFromMagic inspects the leading bytes of r. A gzip stream is reported
// as Gzip; callers that know the payload is a tarball upgrade it to TarGz.
func FormatFromMagic(r io.Reader) (Format, bool) {
	buf := make([]byte, sniffLen)
	n, _ := io.ReadFull(r, buf)
	buf = buf[:n]
	for _, sig := range signatures {
		end := sig.offset + len(sig.magic)
		if end <= len(buf) && bytes.Equal(buf[sig.offset:end], sig.magic) {
			return sig.format, true
		}
	}
	return Detect, false
}

// DetectFormat resolves an archive's format by file name, falling back to
// magic bytes when the name is not conclusive.
func DetectFormat(path string) (Format, error) {
	if f, ok := FormatFromName(path); ok {
		return f, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return Detect, err
	}
	defer file.Close()
	if f, ok := FormatFromMagic(file); ok {
		return f, nil
	}
	return Detect, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Base(path))
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
