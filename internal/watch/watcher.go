// Package watch queues archives dropped into the inbox directory as jobs.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/audit"
	"github.com/tech-arch1tect/berth-unpack/internal/jobs"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

const defaultSettle = 500 * time.Millisecond

// JobStarter is the part of jobs.Manager the watcher uses.
type JobStarter interface {
	StartExtract(archivePath, destination string, format archive.Format) (*jobs.Job, error)
	StartUnpack(archivePath, destination string) (*jobs.Job, error)
}

var partVolume = regexp.MustCompile(`(?i)\.part(\d+)\.rar$`)

// Watcher turns files created in an inbox directory into extraction jobs.
// A file is queued once it has seen no writes for the settle interval.
type Watcher struct {
	inbox      string
	outputRoot string
	starter    JobStarter
	audit      *audit.Service
	logger     *logging.Logger
	settle     time.Duration

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	pending map[string]*time.Timer
	queued  map[string]bool
}

func NewWatcher(inbox, outputRoot string, starter JobStarter, auditService *audit.Service, logger *logging.Logger) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		inbox:      filepath.Clean(inbox),
		outputRoot: filepath.Clean(outputRoot),
		starter:    starter,
		audit:      auditService,
		logger:     logger,
		settle:     defaultSettle,
		ctx:        ctx,
		cancel:     cancel,
		pending:    make(map[string]*time.Timer),
		queued:     make(map[string]bool),
	}
}

// WithSettle overrides how long a file must be quiet before it is queued.
func (w *Watcher) WithSettle(d time.Duration) *Watcher {
	w.settle = d
	return w
}

func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.inbox, 0o755); err != nil {
		return fmt.Errorf("failed to create inbox: %w", err)
	}
	if err := os.MkdirAll(w.outputRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create output root: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(w.inbox); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch inbox %s: %w", w.inbox, err)
	}
	w.watcher = watcher

	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		w.logger.Warn("failed to scan inbox", zap.String("inbox", w.inbox), zap.Error(err))
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			w.schedule(filepath.Join(w.inbox, entry.Name()))
		}
	}

	go w.watchLoop()

	w.logger.Info("inbox watcher started",
		zap.String("inbox", w.inbox),
		zap.String("output_root", w.outputRoot),
	)
	return nil
}

func (w *Watcher) Stop() {
	w.cancel()
	if w.watcher != nil {
		w.watcher.Close()
	}

	w.mu.Lock()
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
}

func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFileEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("inbox watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleFileEvent(event fsnotify.Event) {
	if filepath.Dir(event.Name) != w.inbox {
		return
	}
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		w.schedule(event.Name)
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.mu.Lock()
		if timer, ok := w.pending[event.Name]; ok {
			timer.Stop()
			delete(w.pending, event.Name)
		}
		delete(w.queued, event.Name)
		w.mu.Unlock()
	}
}

// schedule (re)arms the settle timer for path.
func (w *Watcher) schedule(path string) {
	if !Eligible(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ctx.Err() != nil || w.queued[path] {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() { w.queue(path) })
}

func (w *Watcher) queue(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.ctx.Err() != nil || w.queued[path] {
		w.mu.Unlock()
		return
	}
	w.queued[path] = true
	w.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		w.forget(path)
		return
	}

	destination := filepath.Join(w.outputRoot, archive.TrimArchiveExt(path))
	kind := jobs.KindExtract

	var job *jobs.Job
	if strings.HasSuffix(strings.ToLower(path), ".unitypackage") {
		kind = jobs.KindUnpackPackage
		job, err = w.starter.StartUnpack(path, destination)
	} else {
		job, err = w.starter.StartExtract(path, destination, archive.Detect)
	}
	if err != nil {
		w.forget(path)
		w.logger.Warn("failed to queue inbox archive",
			zap.String("archive", path),
			zap.String("destination", destination),
			zap.Error(err),
		)
		w.audit.Log(audit.AuditEvent{
			EventType:     audit.EventInboxQueued,
			Success:       false,
			JobKind:       string(kind),
			Archive:       path,
			Destination:   destination,
			FailureReason: err.Error(),
		})
		return
	}

	w.logger.Info("inbox archive queued",
		zap.String("job_id", job.ID),
		zap.String("archive", path),
		zap.String("destination", destination),
		logging.Size("size", info.Size()),
	)
	w.audit.Log(audit.AuditEvent{
		EventType:   audit.EventInboxQueued,
		Success:     true,
		JobID:       job.ID,
		JobKind:     string(kind),
		Archive:     path,
		Destination: destination,
	})
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.queued, path)
	w.mu.Unlock()
}

// Eligible reports whether a file in the inbox should start a job.
// Continuation volumes of a multi-volume RAR set are picked up through
// their first volume instead.
func Eligible(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return false
	}
	if _, ok := archive.FormatFromName(name); !ok {
		return false
	}
	if m := partVolume.FindStringSubmatch(name); m != nil {
		n, err := strconv.Atoi(m[1])
		return err == nil && n <= 1
	}
	ext := strings.ToLower(filepath.Ext(name))
	return !(len(ext) == 4 && ext[1] == 'r' && ext != ".rar")
}
