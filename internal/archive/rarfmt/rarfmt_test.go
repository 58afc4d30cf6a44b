package rarfmt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

const (
	mainVolume    = 0x0001
	mainSolid     = 0x0008
	mainNewNaming = 0x0010
	mainFirst     = 0x0100

	fileSplitBefore = 0x0001
	fileSplitAfter  = 0x0002
	fileDirectory   = 0x00e0
)

func rawBlock3(typ byte, flags uint16, body []byte) []byte {
	size := 7 + len(body)
	b := make([]byte, 7, size)
	b[2] = typ
	binary.LittleEndian.PutUint16(b[3:], flags)
	binary.LittleEndian.PutUint16(b[5:], uint16(size))
	b = append(b, body...)
	binary.LittleEndian.PutUint16(b[0:], uint16(crc32.ChecksumIEEE(b[2:])))
	return b
}

type file3 struct {
	name   string
	packed []byte
	size   int
	crc    uint32
	flags  uint16
	method byte
}

func stored3(name, body string) file3 {
	return file3{name: name, packed: []byte(body), size: len(body), crc: crc32.ChecksumIEEE([]byte(body))}
}

func (f file3) bytes() []byte {
	var body bytes.Buffer
	le := binary.LittleEndian
	method := f.method
	if method == 0 {
		method = 0x30
	}
	binary.Write(&body, le, uint32(len(f.packed))) // packed size
	binary.Write(&body, le, uint32(f.size))        // unpacked size
	body.WriteByte(3)                              // unix host
	binary.Write(&body, le, f.crc)
	binary.Write(&body, le, uint32(0)) // dos time
	body.WriteByte(29)
	body.WriteByte(method)
	binary.Write(&body, le, uint16(len(f.name)))
	binary.Write(&body, le, uint32(0o640))
	body.WriteString(f.name)
	return append(rawBlock3(0x74, f.flags|0x8000, body.Bytes()), f.packed...)
}

func volume3(mainFlags, endFlags uint16, files ...file3) []byte {
	var buf bytes.Buffer
	buf.Write(sigRar3)
	buf.Write(rawBlock3(0x73, mainFlags, make([]byte, 6)))
	for _, f := range files {
		buf.Write(f.bytes())
	}
	buf.Write(rawBlock3(0x7b, endFlags, nil))
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func readAll(t *testing.T, r archive.Reader) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for {
		e, err := r.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		rc, err := r.Open()
		if err != nil {
			t.Fatalf("open %s: %v", e.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", e.Name, err)
		}
		out[e.Name] = string(data)
	}
}

var bigBody = strings.Repeat("0123456789abcdef", 64)

// splitSet writes big.bin split across two volumes, with one small file on
// either side.
func splitSet(t *testing.T, dir string) string {
	t.Helper()
	half := len(bigBody) / 2
	first := file3{
		name:   "big.bin",
		packed: []byte(bigBody[:half]),
		size:   len(bigBody),
		crc:    crc32.ChecksumIEEE([]byte(bigBody[:half])),
		flags:  fileSplitAfter,
	}
	second := file3{
		name:   "big.bin",
		packed: []byte(bigBody[half:]),
		size:   len(bigBody),
		crc:    crc32.ChecksumIEEE([]byte(bigBody)),
		flags:  fileSplitBefore,
	}
	p1 := writeFile(t, dir, "set.part1.rar", volume3(mainVolume|mainNewNaming|mainFirst, 0x0001,
		stored3("a.txt", "alpha"), first))
	writeFile(t, dir, "set.part2.rar", volume3(mainVolume|mainNewNaming, 0,
		second, stored3("c.txt", "charlie")))
	return p1
}

func TestSingleVolumeStoredEntries(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "one.rar", volume3(0, 0,
		file3{name: "docs", flags: fileDirectory},
		stored3("docs/readme.txt", "read me"),
		stored3("empty", ""),
	))

	r, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()
	got := readAll(t, r)
	if got["docs/readme.txt"] != "read me" {
		t.Fatalf("unexpected content %v", got)
	}
	if _, ok := got["docs"]; !ok {
		t.Fatalf("directory entry missing: %v", got)
	}
	if r.LastEntry() == nil || r.LastEntry().Name != "empty" {
		t.Fatalf("last entry: %+v", r.LastEntry())
	}
}

func TestSplitEntryAcrossVolumes(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(splitSet(t, dir), nil, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer r.Close()

	var parts int
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		rc, err := r.Open()
		if err != nil {
			t.Fatalf("open %s: %v", e.Name, err)
		}
		data, err := io.ReadAll(rc)
		if err != nil {
			t.Fatalf("read %s: %v", e.Name, err)
		}
		if e.Name == "big.bin" {
			if string(data) != bigBody {
				t.Fatalf("big.bin content mismatch")
			}
			parts = len(e.Parts)
		}
	}
	if parts != 2 {
		t.Fatalf("big.bin parts: got %d, want 2", parts)
	}
}

func TestSkippingSplitEntryReachesNextVolume(t *testing.T) {
	r, err := Open(splitSet(t, t.TempDir()), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var names []string
	for {
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		names = append(names, e.Name)
	}
	if strings.Join(names, ",") != "a.txt,big.bin,c.txt" {
		t.Fatalf("names: %v", names)
	}
}

func TestEntriesIndependentOfVolumeSplitting(t *testing.T) {
	dir := t.TempDir()
	multi, err := ScanArchive(splitSet(t, dir), nil)
	if err != nil {
		t.Fatalf("scan multi: %v", err)
	}
	whole := writeFile(t, dir, "whole.rar", volume3(0, 0,
		stored3("a.txt", "alpha"), stored3("big.bin", bigBody), stored3("c.txt", "charlie")))
	single, err := ScanArchive(whole, nil)
	if err != nil {
		t.Fatalf("scan single: %v", err)
	}

	if len(multi.Volumes) != 2 || len(single.Volumes) != 1 {
		t.Fatalf("volumes: %v / %v", multi.Volumes, single.Volumes)
	}
	if len(multi.Entries) != len(single.Entries) {
		t.Fatalf("entry count %d vs %d", len(multi.Entries), len(single.Entries))
	}
	for i := range single.Entries {
		m, s := multi.Entries[i], single.Entries[i]
		if m.Name != s.Name || m.UncompressedSize != s.UncompressedSize || m.CRC32 != s.CRC32 || m.CompressedSize != s.CompressedSize {
			t.Fatalf("entry %d differs: %+v vs %+v", i, m, s)
		}
	}
	if multi.Compressed {
		t.Fatalf("stored set reported as compressed")
	}
}

func TestSingleVolumeReaderRejectsVolumeSet(t *testing.T) {
	path := splitSet(t, t.TempDir())
	if _, err := NewSingleVolumeReader(path, nil); !errors.Is(err, archive.ErrMultiVolume) {
		t.Fatalf("expected multi-volume error, got %v", err)
	}

	data, _ := os.ReadFile(path)
	if _, err := NewStreamReader(bytes.NewReader(data), "pipe", nil); !errors.Is(err, archive.ErrMultiVolume) {
		t.Fatalf("expected multi-volume error from stream, got %v", err)
	}
}

func TestSolidArchiveRejectsOutOfOrderOpen(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "solid.rar", volume3(mainSolid, 0,
		stored3("first.txt", "first"), stored3("second.txt", "second")))

	r, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	_, err = r.Open()
	if !errors.Is(err, archive.ErrSolidOrder) {
		t.Fatalf("expected solid order error, got %v", err)
	}
	if archive.Classify(err) != archive.ExtractError {
		t.Fatalf("solid order violation should be an extract error")
	}

	in, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()
	if got := readAll(t, in); got["second.txt"] != "second" {
		t.Fatalf("in-order read: %v", got)
	}
}

func TestMissingVolumeIsFileNotFound(t *testing.T) {
	dir := t.TempDir()
	path := splitSet(t, dir)
	os.Remove(filepath.Join(dir, "set.part2.rar"))

	r, err := Open(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var openErr error
	for {
		e, err := r.Next()
		if err != nil {
			openErr = err
			break
		}
		if e.Name != "big.bin" {
			continue
		}
		rc, err := r.Open()
		if err != nil {
			t.Fatal(err)
		}
		_, openErr = io.ReadAll(rc)
		break
	}
	if !errors.Is(openErr, archive.ErrFileNotFound) {
		t.Fatalf("expected file not found, got %v", openErr)
	}
	if r.LastEntry() == nil || r.LastEntry().Name != "big.bin" {
		t.Fatalf("last entry not preserved: %+v", r.LastEntry())
	}

	if _, err := ScanArchive(path, nil); !errors.Is(err, archive.ErrFileNotFound) {
		t.Fatalf("scan: expected file not found, got %v", err)
	}
}

func TestCorruptHeaderChecksum(t *testing.T) {
	data := volume3(0, 0, stored3("x.txt", "x"))
	i := bytes.Index(data, []byte("x.txt"))
	data[i] = 'y'
	path := writeFile(t, t.TempDir(), "bad.rar", data)

	r, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); !errors.Is(err, archive.ErrCorruptHeader) {
		t.Fatalf("expected corrupt header, got %v", err)
	}
}

func TestStoredChecksumMismatch(t *testing.T) {
	f := stored3("x.txt", "good")
	f.crc++
	path := writeFile(t, t.TempDir(), "crc.rar", volume3(0, 0, f))
	r, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	rc, err := r.Open()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.ReadAll(rc); !errors.Is(err, archive.ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestCompressedEntryNeedsDecoder(t *testing.T) {
	f := stored3("packed.bin", "zzzz")
	f.method = 0x33
	path := writeFile(t, t.TempDir(), "packed.rar", volume3(0, 0, f))

	idx, err := ScanArchive(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !idx.Compressed {
		t.Fatalf("compressed entry not detected")
	}

	r, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	e, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Compression != archive.CompressionRar {
		t.Fatalf("compression: %v", e.Compression)
	}
	var unsupported *archive.UnsupportedCodecError
	if _, err := r.Open(); !errors.As(err, &unsupported) {
		t.Fatalf("expected unsupported codec, got %v", err)
	}
}

func TestSFXStubIsSkipped(t *testing.T) {
	data := append([]byte("MZ fake self extractor stub\x00\x00"), volume3(0, 0, stored3("in.txt", "inside"))...)
	path := writeFile(t, t.TempDir(), "setup.exe", data)
	r, err := NewSingleVolumeReader(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if got := readAll(t, r); got["in.txt"] != "inside" {
		t.Fatalf("got %v", got)
	}
}

func TestNamingLocator(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.part01.rar", "a.part02.rar", "b.rar", "b.r00", "b.r01"} {
		writeFile(t, dir, name, nil)
	}
	loc := NamingLocator{}

	got, err := loc.Volume(filepath.Join(dir, "a.part01.rar"), 1)
	if err != nil || filepath.Base(got) != "a.part02.rar" {
		t.Fatalf("part naming: %q, %v", got, err)
	}
	if _, err := loc.Volume(filepath.Join(dir, "a.part01.rar"), 2); !errors.Is(err, ErrNoMoreVolumes) {
		t.Fatalf("expected no more volumes, got %v", err)
	}

	vols, err := DiscoverVolumes(filepath.Join(dir, "b.rar"), loc)
	if err != nil {
		t.Fatal(err)
	}
	var bases []string
	for _, v := range vols {
		bases = append(bases, filepath.Base(v))
	}
	if strings.Join(bases, ",") != "b.rar,b.r00,b.r01" {
		t.Fatalf("legacy naming: %v", bases)
	}
}

func TestUnicodeNameDecoding(t *testing.T) {
	packed := []byte{0x04, 0x54, 0x10, 0x11, 0x12}
	if got := decodeUnicodeName([]byte("abc"), packed); got != "АБВ" {
		t.Fatalf("got %q", got)
	}
}

func vint(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			out = append(out, b|0x80)
			continue
		}
		return append(out, b)
	}
}

func rawBlock5(typ, flags uint64, dataSize int, specific []byte) []byte {
	var body []byte
	body = append(body, vint(typ)...)
	if dataSize >= 0 {
		flags |= 0x0002
	}
	body = append(body, vint(flags)...)
	if dataSize >= 0 {
		body = append(body, vint(uint64(dataSize))...)
	}
	body = append(body, specific...)

	sized := append(vint(uint64(len(body))), body...)
	out := binary.LittleEndian.AppendUint32(nil, crc32.ChecksumIEEE(sized))
	return append(out, sized...)
}

func file5(name, data string, dir bool) []byte {
	return file5Method(name, data, dir, 0)
}

// file5Method writes a file header whose compression info selects method.
func file5Method(name, data string, dir bool, method uint64) []byte {
	var s []byte
	var flags uint64 = 0x0004
	if dir {
		flags |= 0x0001
	}
	s = append(s, vint(flags)...)
	s = append(s, vint(uint64(len(data)))...)
	s = append(s, vint(0o644)...)
	s = binary.LittleEndian.AppendUint32(s, crc32.ChecksumIEEE([]byte(data)))
	s = append(s, vint(method<<7)...)
	s = append(s, vint(1)...) // unix
	s = append(s, vint(uint64(len(name)))...)
	s = append(s, name...)
	return append(rawBlock5(2, 0, len(data), s), data...)
}

func TestRar5StoredEntries(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(sigRar5)
	buf.Write(rawBlock5(1, 0, -1, vint(0)))
	buf.Write(file5("dir", "", true))
	buf.Write(file5("dir/hello.txt", "hello rar5", false))
	buf.Write(rawBlock5(5, 0, -1, vint(0)))

	r, err := NewStreamReader(bytes.NewReader(buf.Bytes()), "five.rar", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := readAll(t, r)
	if got["dir/hello.txt"] != "hello rar5" {
		t.Fatalf("got %v", got)
	}
	if r.LastEntry().Mode != 0o644 {
		t.Fatalf("mode: %o", r.LastEntry().Mode)
	}
}

func TestCompressedRar5HasNoDecoder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(sigRar5)
	buf.Write(rawBlock5(1, 0, -1, vint(0)))
	buf.Write(file5Method("packed.bin", "not really lz data", false, 3))
	buf.Write(rawBlock5(5, 0, -1, vint(0)))
	path := writeFile(t, t.TempDir(), "packed.rar", buf.Bytes())

	_, err := Opener(nil, nil)(path)
	if !errors.Is(err, archive.ErrNoDecoder) {
		t.Fatalf("expected no decoder, got %v", err)
	}
	if archive.Classify(err) != archive.NotSupportedPlatform {
		t.Fatalf("classify: %s", archive.Classify(err))
	}
}

func TestRar5EncryptedHeaders(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(sigRar5)
	buf.Write(rawBlock5(4, 0, -1, vint(0)))
	if _, err := NewStreamReader(bytes.NewReader(buf.Bytes()), "locked.rar", nil); !errors.Is(err, archive.ErrEncrypted) {
		t.Fatalf("expected encrypted error, got %v", err)
	}
}

func TestMarkHeaderVersions(t *testing.T) {
	for _, tc := range []struct {
		sig  []byte
		want int
	}{
		{sigRar3, Version3},
		{sigRar5, Version5},
	} {
		h := &MarkHeader{}
		c := archive.NewCursor(bytes.NewReader(tc.sig), 0)
		if err := h.Read(c); err != nil {
			t.Fatalf("read: %v", err)
		}
		if h.Version != tc.want || c.Offset() != int64(len(tc.sig)) {
			t.Fatalf("version %d at offset %d", h.Version, c.Offset())
		}
	}
	h := &MarkHeader{}
	if err := h.Read(archive.NewCursor(bytes.NewReader([]byte("PK\x03\x04xxxx")), 0)); !errors.Is(err, archive.ErrCorruptHeader) {
		t.Fatalf("expected corrupt header, got %v", err)
	}
}

func TestTruncatedTrailingHeader(t *testing.T) {
	rar3 := func(stray int) []byte {
		var buf bytes.Buffer
		buf.Write(sigRar3)
		buf.Write(rawBlock3(0x73, 0, make([]byte, 6)))
		buf.Write(stored3("a.txt", "alpha").bytes())
		buf.Write(rawBlock3(0x74, 0x8000, make([]byte, 25))[:stray])
		return buf.Bytes()
	}
	rar5 := func(stray int) []byte {
		var buf bytes.Buffer
		buf.Write(sigRar5)
		buf.Write(rawBlock5(1, 0, -1, vint(0)))
		buf.Write(file5("a.txt", "alpha", false))
		buf.Write(file5("b.txt", "bravo", false)[:stray])
		return buf.Bytes()
	}

	cases := map[string][]byte{
		"rar3 one byte":   rar3(1),
		"rar3 six bytes": rar3(6),
		"rar5 two bytes": rar5(2),
		"rar5 six bytes": rar5(6),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "cut.rar", data)
			r, err := NewSingleVolumeReader(path, nil)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer r.Close()

			e, err := r.Next()
			if err != nil || e.Name != "a.txt" {
				t.Fatalf("first entry: %v %v", e, err)
			}
			_, err = r.Next()
			if err == io.EOF {
				t.Fatalf("truncated header reported as a clean end of archive")
			}
			if !errors.Is(err, archive.ErrCorruptHeader) || !errors.Is(err, io.ErrUnexpectedEOF) {
				t.Fatalf("got %v", err)
			}
			if r.LastEntry() == nil || r.LastEntry().Name != "a.txt" {
				t.Fatalf("last entry: %+v", r.LastEntry())
			}
		})
	}
}
