package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

// TestHelperProcess stands in for the shell when a test swaps the command
// factory. HELPER_EXIT selects the exit status, HELPER_STDERR the output.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	fmt.Fprint(os.Stdout, "7-Zip (a) 23.01\n")
	fmt.Fprint(os.Stderr, os.Getenv("HELPER_STDERR"))
	code := 0
	fmt.Sscanf(os.Getenv("HELPER_EXIT"), "%d", &code)
	os.Exit(code)
}

type recorded struct {
	name string
	args []string
}

func helperFactory(exit int, stderr string, calls *[]recorded) CommandFactory {
	return func(ctx context.Context, name string, args ...string) *exec.Cmd {
		*calls = append(*calls, recorded{name: name, args: args})
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess", "--")
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			fmt.Sprintf("HELPER_EXIT=%d", exit),
			"HELPER_STDERR="+stderr,
		)
		return cmd
	}
}

func fixture(t *testing.T) (archiver, archivePath, out string) {
	t.Helper()
	dir := t.TempDir()
	archiver = filepath.Join(dir, "7z")
	archivePath = filepath.Join(dir, "in put.zip")
	for _, p := range []string{archiver, archivePath} {
		if err := os.WriteFile(p, []byte("x"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return archiver, archivePath, filepath.Join(dir, "out")
}

func TestForOS(t *testing.T) {
	cases := map[string]string{
		"linux":   "posix",
		"darwin":  "posix",
		"windows": "windows",
		"js":      "unsupported(js)",
		"plan9":   "unsupported(plan9)",
	}
	for goos, want := range cases {
		if got := ForOS(goos).Name(); got != want {
			t.Errorf("ForOS(%s) = %s, want %s", goos, got, want)
		}
	}
	if shell, flag := PosixShell.Shell(); shell != "/bin/bash" || flag != "-c" {
		t.Errorf("posix shell: %s %s", shell, flag)
	}
	if shell, flag := WindowsShell.Shell(); shell != "cmd.exe" || flag != "/c" {
		t.Errorf("windows shell: %s %s", shell, flag)
	}
}

func TestQuoting(t *testing.T) {
	got, err := PosixShell.Quote(`/tmp/$HOME "x"`)
	if err != nil {
		t.Fatal(err)
	}
	if want := `"/tmp/\$HOME \"x\""`; got != want {
		t.Fatalf("posix quote: got %s, want %s", got, want)
	}
	if _, err := WindowsShell.Quote(`C:\a"b`); err == nil {
		t.Fatalf("windows quote should reject embedded quotes")
	}
	if got, _ := WindowsShell.Quote(`C:\dir with space\a.zip`); got != `"C:\dir with space\a.zip"` {
		t.Fatalf("windows quote: %s", got)
	}
}

func TestCommandLines(t *testing.T) {
	r, err := NewRunner("7z", "", PosixShell, nil)
	if err != nil {
		t.Fatal(err)
	}
	line, err := r.CommandLine("/usr/bin/7z", "/data/in.zip", "/data/out", archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	if want := `"/usr/bin/7z" x "/data/in.zip" -o"/data/out" -y`; line != want {
		t.Fatalf("zip line:\n got %s\nwant %s", line, want)
	}

	line, err = r.CommandLine("/usr/bin/7z", "/data/pkg.unitypackage", "/tmp/x", archive.TarGz)
	if err != nil {
		t.Fatal(err)
	}
	if want := `set -o pipefail; "/usr/bin/7z" x "/data/pkg.unitypackage" -so -tgzip | "/usr/bin/7z" x -si -ttar -o"/tmp/x" -y`; line != want {
		t.Fatalf("tar.gz line:\n got %s\nwant %s", line, want)
	}

	win, _ := NewRunner("7z", "", WindowsShell, nil)
	line, err = win.CommandLine(`C:\7z.exe`, `C:\in\a.tar.xz`, `C:\out\a`, archive.TarXz)
	if err != nil {
		t.Fatal(err)
	}
	want := `("C:\7z.exe" x "C:\in\a.tar.xz" -so -txz || type nul > "C:\out\.a.stage-failed") | ` +
		`"C:\7z.exe" x -si -ttar -o"C:\out\a" -y & ` +
		`if exist "C:\out\.a.stage-failed" (del "C:\out\.a.stage-failed" & exit /b 2)`
	if filepath.Separator == '\\' && line != want {
		t.Fatalf("windows tar.xz line:\n got %s\nwant %s", line, want)
	}
	if !strings.Contains(line, "|| type nul >") || !strings.Contains(line, "exit /b 2") {
		t.Fatalf("windows pipeline does not flag a failed first stage: %s", line)
	}

	if _, err := r.CommandLine("/usr/bin/7z", "a", "b", archive.TarZst); archive.Classify(err) != archive.NotSupportedPlatform {
		t.Fatalf("tar.zst should not be supported: %v", err)
	}
}

func TestNonZeroExitCarriesStderr(t *testing.T) {
	archiver, in, out := fixture(t)
	var calls []recorded
	r, _ := NewRunner(archiver, "", PosixShell, nil)
	r.WithCommandFactory(helperFactory(2, "ERROR: Data Error : broken.txt", &calls))

	res := r.Extract(context.Background(), in, out, archive.Zip)
	if res.Code != archive.ExtractError {
		t.Fatalf("code: %s (%s)", res.Code, res.Message)
	}
	if !strings.Contains(res.Message, "Data Error : broken.txt") || !strings.Contains(res.Message, "status 2") {
		t.Fatalf("message: %s", res.Message)
	}
	if len(calls) != 1 || calls[0].name != "/bin/bash" || calls[0].args[0] != "-c" {
		t.Fatalf("calls: %+v", calls)
	}
	if !strings.Contains(calls[0].args[1], `"`+in+`"`) {
		t.Fatalf("archive path not quoted in %s", calls[0].args[1])
	}
}

func TestZeroExitIsSuccess(t *testing.T) {
	archiver, in, out := fixture(t)
	var calls []recorded
	r, _ := NewRunner(archiver, "", PosixShell, nil)
	r.WithCommandFactory(helperFactory(0, "", &calls))
	if res := r.Extract(context.Background(), in, out, archive.Zip); !res.OK() {
		t.Fatalf("expected success, got %s: %s", res.Code, res.Message)
	}
}

func TestNoSpawnWithoutPrerequisites(t *testing.T) {
	archiver, in, out := fixture(t)
	var calls []recorded

	r, _ := NewRunner(archiver, "", Unsupported("js"), nil)
	r.WithCommandFactory(helperFactory(0, "", &calls))
	if res := r.Extract(context.Background(), in, out, archive.Zip); res.Code != archive.NotSupportedPlatform {
		t.Fatalf("unsupported platform: %s", res.Code)
	}

	r, _ = NewRunner(filepath.Join(t.TempDir(), "missing-7z"), "", PosixShell, nil)
	r.WithCommandFactory(helperFactory(0, "", &calls))
	if res := r.Extract(context.Background(), in, out, archive.Zip); res.Code != archive.FileNotFound {
		t.Fatalf("missing archiver: %s", res.Code)
	}
	if r.Available() {
		t.Fatalf("runner without archiver reported available")
	}

	r, _ = NewRunner(archiver, "", PosixShell, nil)
	r.WithCommandFactory(helperFactory(0, "", &calls))
	if res := r.Extract(context.Background(), in+".missing", out, archive.Zip); res.Code != archive.FileNotFound {
		t.Fatalf("missing archive: %s", res.Code)
	}

	if len(calls) != 0 {
		t.Fatalf("no process should have been started, got %d", len(calls))
	}
}

func TestCancelledRun(t *testing.T) {
	archiver, in, out := fixture(t)
	var calls []recorded
	r, _ := NewRunner(archiver, "", PosixShell, nil)
	r.WithCommandFactory(helperFactory(1, "", &calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := r.Extract(ctx, in, out, archive.Zip)
	if res.Code != archive.UnknownError || res.Message != archive.ErrCancelled.Error() {
		t.Fatalf("cancelled: %s %q", res.Code, res.Message)
	}
}

func TestCodePageDecoding(t *testing.T) {
	r, err := NewRunner("7z", "cp437", PosixShell, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := r.decode([]byte{'c', 'a', 'f', 0x82}); got != "café" {
		t.Fatalf("cp437 decode: %q", got)
	}
	if _, err := LookupCodePage("klingon"); err == nil {
		t.Fatalf("expected error for unknown code page")
	}
	if enc, err := LookupCodePage("UTF-8"); enc != nil || err != nil {
		t.Fatalf("utf-8 should be passthrough")
	}
	if enc, err := LookupCodePage("850"); enc == nil || err != nil {
		t.Fatalf("bare code page number: %v", err)
	}
}

// fakeArchiver writes a shell script standing in for 7z. Invocations with
// -so (the decompression stage) exit with stage1Exit after printing
// stage1Err; the -si stage drains stdin and succeeds.
func fakeArchiver(t *testing.T, stage1Exit int, stage1Err string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/bash")
	}
	if _, err := os.Stat("/bin/bash"); err != nil {
		t.Skip("needs /bin/bash")
	}
	script := fmt.Sprintf(`#!/bin/sh
for a in "$@"; do
  if [ "$a" = "-so" ]; then
    printf '%%s\n' %q >&2
    exit %d
  fi
done
cat > /dev/null
exit 0
`, stage1Err, stage1Exit)
	path := filepath.Join(t.TempDir(), "7z")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTarballPipelineFailingDecompressStage(t *testing.T) {
	archiver := fakeArchiver(t, 2, "ERROR: not a gzip archive")
	dir := t.TempDir()
	in := filepath.Join(dir, "broken.tar.gz")
	if err := os.WriteFile(in, []byte("not gzip"), 0o644); err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(dir, "out")

	r, err := NewRunner(archiver, "", PosixShell, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := r.Extract(context.Background(), in, out, archive.TarGz)
	if res.Code != archive.ExtractError {
		t.Fatalf("code: %s (%q)", res.Code, res.Message)
	}
	if !strings.Contains(res.Message, "not a gzip archive") || !strings.Contains(res.Message, "status 2") {
		t.Fatalf("message: %s", res.Message)
	}
	if _, err := os.Stat(pipelineMarker(out)); !os.IsNotExist(err) {
		t.Fatalf("scratch marker left behind: %v", err)
	}
}

func TestTarballPipelineSuccess(t *testing.T) {
	archiver := fakeArchiver(t, 0, "")
	dir := t.TempDir()
	in := filepath.Join(dir, "ok.tar.gz")
	if err := os.WriteFile(in, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := NewRunner(archiver, "", PosixShell, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res := r.Extract(context.Background(), in, filepath.Join(dir, "out"), archive.TarGz); !res.OK() {
		t.Fatalf("expected success, got %s: %s", res.Code, res.Message)
	}
}
