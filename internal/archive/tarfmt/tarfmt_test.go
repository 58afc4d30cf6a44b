package tarfmt

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

func buildTar(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	write := func(h *tar.Header, body string) {
		h.Size = int64(len(body))
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("header %s: %v", h.Name, err)
		}
		if body != "" {
			if _, err := io.WriteString(tw, body); err != nil {
				t.Fatalf("body %s: %v", h.Name, err)
			}
		}
	}
	mtime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	write(&tar.Header{Name: "pkg/", Typeflag: tar.TypeDir, Mode: 0o755, ModTime: mtime}, "")
	write(&tar.Header{Name: "pkg/asset", Typeflag: tar.TypeReg, Mode: 0o600, ModTime: mtime}, "asset bytes")
	write(&tar.Header{Name: "pkg/link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd"}, "")
	write(&tar.Header{Name: "pkg/pathname", Typeflag: tar.TypeReg, Mode: 0o644}, "Assets/rock.png")
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, format archive.Format, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case archive.Tar:
		return data
	case archive.TarGz:
		w = gzip.NewWriter(&buf)
	case archive.TarXz:
		w, err = xz.NewWriter(&buf)
	case archive.TarZst:
		w, err = zstd.NewWriter(&buf)
	case archive.TarLz4:
		w = lz4.NewWriter(&buf)
	default:
		t.Fatalf("no writer for %s", format)
	}
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestTarballFormats(t *testing.T) {
	raw := buildTar(t)
	for _, format := range []archive.Format{archive.Tar, archive.TarGz, archive.TarXz, archive.TarZst, archive.TarLz4} {
		t.Run(format.String(), func(t *testing.T) {
			r, err := NewReader(bytes.NewReader(compress(t, format, raw)), "fixture", format)
			if err != nil {
				t.Fatalf("new reader: %v", err)
			}
			defer r.Close()

			got := map[string]string{}
			for {
				e, err := r.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("next: %v", err)
				}
				rc, _ := r.Open()
				body, err := io.ReadAll(rc)
				if err != nil {
					t.Fatalf("read %s: %v", e.Name, err)
				}
				got[e.Name] = string(body)
				if e.Name == "pkg/asset" && e.Mode != 0o600 {
					t.Fatalf("mode: %o", e.Mode)
				}
			}
			if got["pkg/asset"] != "asset bytes" || got["pkg/pathname"] != "Assets/rock.png" {
				t.Fatalf("unexpected content %v", got)
			}
			if _, ok := got["pkg/link"]; ok {
				t.Fatalf("symlink should not be surfaced")
			}
			if strings.Join(r.Passed(), ",") != "pkg/link" {
				t.Fatalf("passed: %v", r.Passed())
			}
		})
	}
}

func TestCorruptTarballIsExtractError(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("definitely not gzip")), "bad.tgz", archive.TarGz)
	if !errors.Is(err, archive.ErrCorruptHeader) {
		t.Fatalf("expected corrupt header, got %v", err)
	}
	if archive.Classify(err) != archive.ExtractError {
		t.Fatalf("classify: %v", archive.Classify(err))
	}

	r, err := NewReader(bytes.NewReader(bytes.Repeat([]byte{0xff}, 1024)), "bad.tar", archive.Tar)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); !errors.Is(err, archive.ErrCorruptHeader) {
		t.Fatalf("expected corrupt header, got %v", err)
	}
}

func TestDecompressRejectsNonTarball(t *testing.T) {
	if _, _, err := Decompress(bytes.NewReader(nil), archive.Zip); !errors.Is(err, archive.ErrUnknownFormat) {
		t.Fatalf("expected unknown format, got %v", err)
	}
}

func TestGzipSingleEntry(t *testing.T) {
	dir := t.TempDir()

	var named bytes.Buffer
	zw := gzip.NewWriter(&named)
	zw.Name = "original.txt"
	io.WriteString(zw, "named payload")
	zw.Close()
	path := filepath.Join(dir, "upload.gz")
	if err := os.WriteFile(path, named.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := OpenGzip(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	e, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Name != "original.txt" || e.CompressedSize != int64(named.Len()) {
		t.Fatalf("entry: %+v", e)
	}
	rc, _ := r.Open()
	body, err := io.ReadAll(rc)
	if err != nil || string(body) != "named payload" {
		t.Fatalf("payload %q, %v", body, err)
	}
	if _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestGzipMemberName(t *testing.T) {
	cases := []struct{ header, path, want string }{
		{"", "/in/report.csv.gz", "report.csv"},
		{"", "/in/blob", "blob.out"},
		{`..\..\evil.txt`, "/in/x.gz", "evil.txt"},
		{"nested/name.bin", "/in/x.gz", "name.bin"},
	}
	for _, tc := range cases {
		if got := memberName(tc.header, tc.path); got != tc.want {
			t.Errorf("memberName(%q, %q) = %q, want %q", tc.header, tc.path, got, tc.want)
		}
	}
}

func TestGzipChecksumFailure(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	io.WriteString(zw, "payload to damage")
	zw.Close()
	data := buf.Bytes()
	data[len(data)-8] ^= 0xff // crc32 in the trailer

	r, err := NewGzipReader(bytes.NewReader(data), "x.gz")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Next(); err != nil {
		t.Fatal(err)
	}
	rc, _ := r.Open()
	_, err = io.ReadAll(rc)
	if !errors.Is(err, archive.ErrChecksum) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}
