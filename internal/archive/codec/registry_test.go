package codec

import (
	"bytes"
	"compress/bzip2"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

var payload = strings.Repeat("the quick brown fox jumps over the lazy dog\n", 200)

func decodeAll(t *testing.T, r *Registry, ct archive.CompressionType, packed []byte, p Params) string {
	t.Helper()
	d, err := r.Lookup(ct)
	if err != nil {
		t.Fatalf("lookup %v: %v", ct, err)
	}
	rc, err := d.NewReader(bytes.NewReader(packed), p)
	if err != nil {
		t.Fatalf("new reader %v: %v", ct, err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %v: %v", ct, err)
	}
	return string(out)
}

func TestStoredPassthrough(t *testing.T) {
	if got := decodeAll(t, NewRegistry(), archive.CompressionNone, []byte(payload), Params{}); got != payload {
		t.Fatalf("stored payload mismatch")
	}
}

func TestDeflate(t *testing.T) {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestCompression)
	io.WriteString(w, payload)
	w.Close()
	if got := decodeAll(t, NewRegistry(), archive.CompressionDeflate, buf.Bytes(), Params{}); got != payload {
		t.Fatalf("deflate payload mismatch")
	}
}

func TestZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	packed := enc.EncodeAll([]byte(payload), nil)
	enc.Close()
	if got := decodeAll(t, NewRegistry(), archive.CompressionZstd, packed, Params{}); got != payload {
		t.Fatalf("zstd payload mismatch")
	}
}

func TestXz(t *testing.T) {
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, payload)
	w.Close()
	if got := decodeAll(t, NewRegistry(), archive.CompressionXz, buf.Bytes(), Params{}); got != payload {
		t.Fatalf("xz payload mismatch")
	}
}

func TestZipFramedLZMA(t *testing.T) {
	var classic bytes.Buffer
	w, err := lzma.NewWriter(&classic)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, payload)
	w.Close()

	raw := classic.Bytes()
	// version 9.20, properties length 5
	framed := append([]byte{9, 20, 5, 0}, raw[:5]...)
	framed = append(framed, raw[13:]...)

	got := decodeAll(t, NewRegistry(), archive.CompressionLZMA, framed, Params{EndMarker: true})
	if got != payload {
		t.Fatalf("lzma payload mismatch")
	}
}

func TestZipFramedLZMARejectsBadProperties(t *testing.T) {
	d, _ := NewRegistry().Lookup(archive.CompressionLZMA)
	_, err := d.NewReader(bytes.NewReader([]byte{9, 20, 7, 0, 0, 0, 0, 0, 0, 0, 0}), Params{})
	if !errors.Is(err, archive.ErrCorruptHeader) {
		t.Fatalf("expected corrupt header, got %v", err)
	}
}

func TestBZip2IsRegistered(t *testing.T) {
	// the standard library has no bzip2 writer; check the stream header is rejected cleanly
	d, err := NewRegistry().Lookup(archive.CompressionBZip2)
	if err != nil {
		t.Fatal(err)
	}
	rc, err := d.NewReader(strings.NewReader("not bzip2"), Params{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = io.ReadAll(rc)
	var structural bzip2.StructuralError
	if !errors.As(err, &structural) {
		t.Fatalf("expected bzip2 structural error, got %v", err)
	}
}

func TestUnsupportedTypes(t *testing.T) {
	r := NewRegistry()
	for _, ct := range []archive.CompressionType{
		archive.CompressionDeflate64,
		archive.CompressionPPMd,
		archive.CompressionRar,
		archive.CompressionBCJ,
		archive.CompressionBCJ2,
		archive.CompressionLZip,
		archive.CompressionUnknown,
	} {
		d, err := r.Lookup(ct)
		if d != nil {
			t.Fatalf("%v: expected no decoder", ct)
		}
		var unsupported *archive.UnsupportedCodecError
		if !errors.As(err, &unsupported) || unsupported.Type != ct {
			t.Fatalf("%v: expected UnsupportedCodecError, got %v", ct, err)
		}
		if !errors.Is(err, archive.ErrUnsupportedCodec) {
			t.Fatalf("%v: error should wrap ErrUnsupportedCodec", ct)
		}
		if r.Supports(ct) {
			t.Fatalf("%v: Supports should be false", ct)
		}
	}
}

func TestRegisterExtendsRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(archive.CompressionLZip, DecoderFunc(func(src io.Reader, _ Params) (io.ReadCloser, error) {
		return io.NopCloser(src), nil
	}))
	if !r.Supports(archive.CompressionLZip) {
		t.Fatalf("registered decoder not found")
	}
	if Default().Supports(archive.CompressionLZip) {
		t.Fatalf("registering on one registry must not affect the default")
	}
}
