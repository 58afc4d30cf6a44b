package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/remap"
)

func writePackage(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "assets.unitypackage")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUnpackPackage(t *testing.T) {
	dir := t.TempDir()
	in := writePackage(t, dir, map[string]string{
		"0a1b2c/pathname":   "Assets/textures/rock.png\n",
		"0a1b2c/asset":      "PNG",
		"0a1b2c/asset.meta": "guid: 0a1b2c",
		"3d4e5f/pathname":   "Assets/Scripts/Rock.cs",
		"3d4e5f/asset":      "class Rock {}",
	})
	dest := filepath.Join(dir, "project")

	res := NewService(Options{RemapConcurrency: 2}, nil, nil).UnpackPackage(context.Background(), in, dest)
	if !res.OK() {
		t.Fatalf("unpack: %s", res.Error())
	}
	got := tree(t, dest)
	if got["Assets/textures/rock.png"] != "PNG" || got["Assets/textures/rock.png.meta"] != "guid: 0a1b2c" {
		t.Fatalf("tree: %v", got)
	}
	if got["Assets/Scripts/Rock.cs"] != "class Rock {}" {
		t.Fatalf("tree: %v", got)
	}
}

func TestUnpackPackageMissingPathname(t *testing.T) {
	dir := t.TempDir()
	in := writePackage(t, dir, map[string]string{
		"0a1b2c/pathname": "Assets/a.txt",
		"0a1b2c/asset":    "a",
		"ffffff/asset":    "orphan",
	})
	dest := filepath.Join(dir, "project")

	res := NewService(Options{}, nil, nil).UnpackPackage(context.Background(), in, dest)
	if res.Code != archive.RemapError {
		t.Fatalf("code: %s (%s)", res.Code, res.Message)
	}
	if !errors.Is(res.Err, remap.ErrMissingPathname) {
		t.Fatalf("err: %v", res.Err)
	}
	if _, err := os.Stat(filepath.Join(dest, "Assets", "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("no file should be moved when a pathname is missing")
	}
}

func TestUnpackPackageMissingArchive(t *testing.T) {
	res := NewService(Options{}, nil, nil).UnpackPackage(context.Background(), filepath.Join(t.TempDir(), "x.unitypackage"), t.TempDir())
	if res.Code != archive.FileNotFound {
		t.Fatalf("code: %s", res.Code)
	}
}
