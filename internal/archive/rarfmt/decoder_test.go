package rarfmt

import (
	"io"
	"testing"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

func TestDecodeReaderSingleVolume(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pair.rar", volume3(0, 0,
		stored3("a.txt", "alpha"),
		stored3("b.txt", "bravo"),
	))

	d, err := OpenDecoder(path, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	got := readAll(t, d)
	if len(got) != 2 || got["a.txt"] != "alpha" || got["b.txt"] != "bravo" {
		t.Fatalf("got %v", got)
	}
	last := d.LastEntry()
	if last == nil || last.Name != "b.txt" {
		t.Fatalf("last entry: %+v", last)
	}
	if last.IsSolid || last.Compression != archive.CompressionRar || last.UncompressedSize != 5 {
		t.Fatalf("entry fields: %+v", last)
	}
}

func TestDecodeReaderFollowsVolumes(t *testing.T) {
	d, err := OpenDecoder(splitSet(t, t.TempDir()), true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer d.Close()

	var names []string
	contents := make(map[string]string)
	for {
		e, err := d.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !e.IsSolid {
			t.Errorf("%s: solid flag from the archive scan was dropped", e.Name)
		}
		rc, err := d.Open()
		if err != nil {
			t.Fatalf("open %s: %v", e.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", e.Name, err)
		}
		names = append(names, e.Name)
		contents[e.Name] = string(data)
	}

	if len(names) != 3 {
		t.Fatalf("entries: %v", names)
	}
	if contents["a.txt"] != "alpha" || contents["c.txt"] != "charlie" {
		t.Fatalf("small files: %v", contents)
	}
	if contents["big.bin"] != bigBody {
		t.Fatalf("big.bin was not reassembled across volumes (%d bytes)", len(contents["big.bin"]))
	}
}

func TestDecodeReaderOpenTwice(t *testing.T) {
	path := writeFile(t, t.TempDir(), "one.rar", volume3(0, 0, stored3("a.txt", "alpha")))
	d, err := OpenDecoder(path, false)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	if _, err := d.Open(); err == nil {
		t.Fatalf("Open before Next should fail")
	}
	if _, err := d.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Open(); err == nil {
		t.Fatalf("second Open of the same entry should fail")
	}
}

func TestOpenDecoderMissingFile(t *testing.T) {
	_, err := OpenDecoder("/nonexistent/none.rar", false)
	if archive.Classify(err) != archive.FileNotFound {
		t.Fatalf("classify: %v", err)
	}
}

func TestOpenerRouting(t *testing.T) {
	dir := t.TempDir()
	open := Opener(nil, nil)

	stored := writeFile(t, dir, "stored.rar", volume3(0, 0, stored3("a.txt", "alpha")))
	r, err := open(stored)
	if err != nil {
		t.Fatalf("stored: %v", err)
	}
	if _, ok := r.(*Reader); !ok {
		t.Errorf("stored archive opened with %T, want the native reader", r)
	}
	r.Close()

	packed := stored3("packed.bin", "not really lz data")
	packed.method = 0x33
	compressed := writeFile(t, dir, "packed.rar", volume3(mainSolid, 0, packed))
	r, err = open(compressed)
	if err != nil {
		t.Fatalf("compressed: %v", err)
	}
	d, ok := r.(*DecodeReader)
	if !ok {
		t.Fatalf("compressed archive opened with %T, want the decoder", r)
	}
	if !d.solid {
		t.Errorf("solid flag not passed to the decoder")
	}
	d.Close()
}
