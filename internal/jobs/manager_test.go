package jobs

import (
	stdzip "archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/extract"
	"github.com/tech-arch1tect/berth-unpack/internal/websocket"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []websocket.JobEvent
}

func (n *recordingNotifier) BroadcastJobEvent(event websocket.JobEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) statusEvents() []websocket.JobEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []websocket.JobEvent
	for _, e := range n.events {
		if e.Type == websocket.MessageTypeJobStatus {
			out = append(out, e)
		}
	}
	return out
}

// blockingExtractor holds every job open until its context is cancelled.
type blockingExtractor struct {
	started chan struct{}
}

func (b *blockingExtractor) Extract(ctx context.Context, _, _ string, _ archive.Format, _ ...extract.RunOption) archive.Result {
	b.started <- struct{}{}
	<-ctx.Done()
	return archive.Result{Code: archive.UnknownError, Message: archive.ErrCancelled.Error(), Err: ctx.Err()}
}

func (b *blockingExtractor) UnpackPackage(ctx context.Context, archivePath, destination string, opts ...extract.RunOption) archive.Result {
	return b.Extract(ctx, archivePath, destination, archive.Detect, opts...)
}

func writeSampleZip(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	w := stdzip.NewWriter(&buf)
	for name, body := range map[string]string{
		"a.txt":     "alpha",
		"dir/b.txt": strings.Repeat("bravo ", 200),
	} {
		fw, err := w.CreateHeader(&stdzip.FileHeader{Name: name, Method: stdzip.Deflate})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "sample.zip")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitJob(t *testing.T, job *Job) archive.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("job %s did not finish: %v", job.ID, err)
	}
	return res
}

func TestExtractJobLifecycle(t *testing.T) {
	dir := t.TempDir()
	zipPath := writeSampleZip(t, dir)
	dest := filepath.Join(dir, "out")

	notifier := &recordingNotifier{}
	m := NewManager(extract.NewService(extract.Options{RemapConcurrency: 1}, nil, nil), notifier, nil, nil)

	job, err := m.StartExtract(zipPath, dest, archive.Detect)
	if err != nil {
		t.Fatal(err)
	}
	if err := validateJobID(job.ID); err != nil {
		t.Fatalf("job id %q: %v", job.ID, err)
	}

	res := waitJob(t, job)
	if !res.OK() {
		t.Fatalf("result = %+v", res)
	}

	snap := job.Snapshot()
	if snap.Status != StatusSucceeded {
		t.Errorf("status = %s", snap.Status)
	}
	if snap.EntriesDone != 2 {
		t.Errorf("entries done = %d, want 2", snap.EntriesDone)
	}
	if want := int64(len("alpha") + len(strings.Repeat("bravo ", 200))); snap.BytesRead != want {
		t.Errorf("bytes read = %d, want %d", snap.BytesRead, want)
	}
	if snap.FinishedAt == nil || snap.Result == nil {
		t.Error("finished snapshot is missing its result")
	}

	got, err := os.ReadFile(filepath.Join(dest, "dir", "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != strings.Repeat("bravo ", 200) {
		t.Error("extracted content differs")
	}

	events := notifier.statusEvents()
	if len(events) != 2 {
		t.Fatalf("status events = %d, want 2", len(events))
	}
	if events[0].Status != string(StatusRunning) {
		t.Errorf("first status = %s", events[0].Status)
	}
	if last := events[1]; last.Status != string(StatusSucceeded) || last.Code != archive.Success.String() {
		t.Errorf("last status event = %+v", last)
	}
}

func TestFailedJob(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(extract.NewService(extract.Options{RemapConcurrency: 1}, nil, nil), nil, nil, nil)

	job, err := m.StartExtract(filepath.Join(dir, "missing.zip"), filepath.Join(dir, "out"), archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	res := waitJob(t, job)
	if res.Code != archive.FileNotFound {
		t.Errorf("code = %s, want FileNotFound", res.Code)
	}
	if job.Status() != StatusFailed {
		t.Errorf("status = %s", job.Status())
	}
}

func TestDestinationLock(t *testing.T) {
	dir := t.TempDir()
	ex := &blockingExtractor{started: make(chan struct{}, 4)}
	m := NewManager(ex, nil, nil, nil)

	dest := filepath.Join(dir, "out")
	first, err := m.StartExtract("a.zip", dest, archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	<-ex.started

	if _, err := m.StartUnpack("b.unitypackage", dest+string(filepath.Separator)); !errors.Is(err, ErrDestinationBusy) {
		t.Fatalf("second start err = %v, want ErrDestinationBusy", err)
	}

	other, err := m.StartExtract("c.zip", filepath.Join(dir, "elsewhere"), archive.Zip)
	if err != nil {
		t.Fatalf("distinct destination rejected: %v", err)
	}
	<-ex.started

	if err := m.Cancel(first.ID); err != nil {
		t.Fatal(err)
	}
	waitJob(t, first)
	if first.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", first.Status())
	}

	again, err := m.StartExtract("a.zip", dest, archive.Zip)
	if err != nil {
		t.Fatalf("destination still locked after cancel: %v", err)
	}
	<-ex.started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	for _, j := range []*Job{other, again} {
		if j.Status() != StatusCancelled {
			t.Errorf("job %s status = %s after shutdown", j.ID, j.Status())
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(extract.NewService(extract.Options{RemapConcurrency: 1}, nil, nil), nil, nil, nil)

	first, err := m.StartExtract(filepath.Join(dir, "missing.zip"), filepath.Join(dir, "one"), archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, first)
	time.Sleep(5 * time.Millisecond)
	second, err := m.StartExtract(filepath.Join(dir, "missing.zip"), filepath.Join(dir, "two"), archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, second)

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("list = %d jobs", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("order = %s, %s", list[0].ID, list[1].ID)
	}
}

func TestStreamReplaysFinishedJob(t *testing.T) {
	dir := t.TempDir()
	zipPath := writeSampleZip(t, dir)
	m := NewManager(extract.NewService(extract.Options{RemapConcurrency: 1}, nil, nil), nil, nil, nil)

	job, err := m.StartExtract(zipPath, filepath.Join(dir, "out"), archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	waitJob(t, job)

	var buf bytes.Buffer
	if err := m.Stream(context.Background(), job.ID, &buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if strings.Count(out, `"type":"entry"`) != 2 {
		t.Errorf("stream should replay both entries:\n%s", out)
	}
	if !strings.Contains(out, `"type":"complete"`) || !strings.Contains(out, `"success":true`) {
		t.Errorf("stream missing completion:\n%s", out)
	}
	if strings.Contains(out, `"type":"progress"`) {
		t.Error("progress ticks should not be replayed")
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n\n") {
		if !strings.HasPrefix(line, "data: ") {
			t.Errorf("malformed SSE frame %q", line)
		}
	}
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(&blockingExtractor{started: make(chan struct{}, 1)}, nil, nil, nil)
	if _, ok := m.Get("nope"); ok {
		t.Error("Get found an unknown job")
	}
	if err := m.Cancel("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Cancel err = %v", err)
	}
	if err := m.Stream(context.Background(), "nope", &bytes.Buffer{}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Stream err = %v", err)
	}
}

// holdingExtractor blocks jobs whose archive is named "hold" and fails the rest at once.
type holdingExtractor struct {
	started chan struct{}
}

func (h *holdingExtractor) Extract(ctx context.Context, archivePath, _ string, _ archive.Format, _ ...extract.RunOption) archive.Result {
	if archivePath == "hold" {
		h.started <- struct{}{}
		<-ctx.Done()
		return archive.Result{Code: archive.UnknownError, Message: archive.ErrCancelled.Error(), Err: ctx.Err()}
	}
	return archive.Result{Code: archive.FileNotFound, Message: "missing"}
}

func (h *holdingExtractor) UnpackPackage(ctx context.Context, archivePath, destination string, opts ...extract.RunOption) archive.Result {
	return h.Extract(ctx, archivePath, destination, archive.Detect, opts...)
}

func TestFinishedJobsArePruned(t *testing.T) {
	dir := t.TempDir()
	ex := &holdingExtractor{started: make(chan struct{}, 1)}
	m := NewManager(ex, nil, nil, nil)
	m.SetHistoryLimit(2)

	running, err := m.StartExtract("hold", filepath.Join(dir, "held"), archive.Zip)
	if err != nil {
		t.Fatal(err)
	}
	<-ex.started

	var finished []*Job
	for i := 0; i < 5; i++ {
		job, err := m.StartExtract("missing.zip", filepath.Join(dir, "out", string(rune('a'+i))), archive.Zip)
		if err != nil {
			t.Fatal(err)
		}
		waitJob(t, job)
		finished = append(finished, job)
		time.Sleep(2 * time.Millisecond)
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(m.List()) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("jobs retained = %d, want 3", len(m.List()))
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := m.Get(running.ID); !ok {
		t.Errorf("running job was pruned")
	}
	for i, job := range finished {
		_, ok := m.Get(job.ID)
		if want := i >= 3; ok != want {
			t.Errorf("finished job %d retained = %v, want %v", i, ok, want)
		}
	}
	if err := m.Cancel(finished[0].ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("cancel pruned job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}
