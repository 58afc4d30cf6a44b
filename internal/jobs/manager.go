package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/audit"
	"github.com/tech-arch1tect/berth-unpack/internal/extract"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
	"github.com/tech-arch1tect/berth-unpack/internal/websocket"
)

// DefaultHistoryLimit is how many finished jobs a Manager keeps for
// status queries when no other limit is set.
const DefaultHistoryLimit = 100

var (
	ErrJobNotFound     = errors.New("job not found")
	ErrDestinationBusy = errors.New("another job is writing to this destination")
)

// Extractor is the part of extract.Service the manager drives.
type Extractor interface {
	Extract(ctx context.Context, archivePath, outputPath string, format archive.Format, opts ...extract.RunOption) archive.Result
	UnpackPackage(ctx context.Context, archivePath, destination string, opts ...extract.RunOption) archive.Result
}

// Manager runs extraction jobs on their own goroutines. At most one job
// may write to a given destination at a time.
type Manager struct {
	extractor Extractor
	notifier  Notifier
	audit     *audit.Service
	logger    *logging.Logger

	mu           sync.RWMutex
	jobs         map[string]*Job
	active       map[string]string
	historyLimit int
	wg           sync.WaitGroup
}

func NewManager(extractor Extractor, notifier Notifier, auditService *audit.Service, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		extractor: extractor,
		notifier:  notifier,
		audit:     auditService,
		logger:    logger,
		jobs:         make(map[string]*Job),
		active:       make(map[string]string),
		historyLimit: DefaultHistoryLimit,
	}
}

// SetHistoryLimit caps how many finished jobs stay queryable. The oldest
// finished jobs are forgotten first; running jobs are never dropped.
func (m *Manager) SetHistoryLimit(n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	m.historyLimit = n
	m.mu.Unlock()
	m.prune()
}

func (m *Manager) StartExtract(archivePath, destination string, format archive.Format) (*Job, error) {
	return m.start(KindExtract, archivePath, destination, format, func(ctx context.Context, j *Job) archive.Result {
		return m.extractor.Extract(ctx, archivePath, destination, format, extract.WithListener(j))
	})
}

func (m *Manager) StartUnpack(archivePath, destination string) (*Job, error) {
	return m.start(KindUnpackPackage, archivePath, destination, archive.Detect, func(ctx context.Context, j *Job) archive.Result {
		return m.extractor.UnpackPackage(ctx, archivePath, destination, extract.WithListener(j))
	})
}

func (m *Manager) start(kind Kind, archivePath, destination string, format archive.Format, run func(context.Context, *Job) archive.Result) (*Job, error) {
	key := filepath.Clean(destination)

	m.mu.Lock()
	if existing, busy := m.active[key]; busy {
		m.mu.Unlock()
		m.logger.Warn("job already running on destination",
			zap.String("destination", destination),
			zap.String("existing_job_id", existing),
		)
		return nil, fmt.Errorf("%w: job %s", ErrDestinationBusy, existing)
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:          id,
		Kind:        kind,
		Archive:     archivePath,
		Destination: destination,
		Format:      format,
		StartedAt:   time.Now(),
		broadcaster: NewBroadcaster(id, m.logger),
		notifier:    m.notifier,
		cancel:      cancel,
		done:        make(chan struct{}),
		status:      StatusRunning,
	}
	m.jobs[id] = job
	m.active[key] = id
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.ForJob(id, string(kind)).Info("job started",
		zap.String("archive", archivePath),
		zap.String("destination", destination),
		zap.String("format", format.String()),
	)
	m.audit.Log(audit.AuditEvent{
		EventType:   audit.EventJobStarted,
		Success:     true,
		JobID:       id,
		JobKind:     string(kind),
		Archive:     archivePath,
		Destination: destination,
	})
	job.notify(websocket.MessageTypeJobStatus, "", "", "")

	go m.run(ctx, job, key, run)
	return job, nil
}

func (m *Manager) run(ctx context.Context, job *Job, key string, run func(context.Context, *Job) archive.Result) {
	defer m.wg.Done()
	defer job.cancel()

	res := run(ctx, job)

	status := StatusSucceeded
	switch {
	case res.OK():
	case ctx.Err() != nil:
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	job.mu.Lock()
	job.status = status
	job.result = &res
	job.finishedAt = time.Now()
	job.current = ""
	job.mu.Unlock()

	m.mu.Lock()
	if m.active[key] == job.ID {
		delete(m.active, key)
	}
	m.mu.Unlock()

	job.broadcaster.Complete(res.OK(), res.Code.String(), res.Message)
	job.notify(websocket.MessageTypeJobStatus, "", res.Code.String(), res.Message)
	close(job.done)
	m.prune()

	duration := job.finishedAt.Sub(job.StartedAt)
	eventType := audit.EventJobCompleted
	switch status {
	case StatusCancelled:
		eventType = audit.EventJobCancelled
	case StatusFailed:
		eventType = audit.EventJobFailed
	}
	m.audit.Log(audit.AuditEvent{
		EventType:     eventType,
		Success:       res.OK(),
		JobID:         job.ID,
		JobKind:       string(job.Kind),
		Archive:       job.Archive,
		Destination:   job.Destination,
		ResultCode:    res.Code.String(),
		FailureReason: res.Message,
		DurationMs:    duration.Milliseconds(),
		Metadata: map[string]any{
			"entries": res.Entries,
			"skipped": len(res.Skipped),
		},
	})

	m.logger.ForJob(job.ID, string(job.Kind)).Info("job finished",
		zap.String("status", string(status)),
		zap.String("code", res.Code.String()),
		zap.Int("entries", res.Entries),
		zap.Duration("duration", duration),
	)
}

// prune drops the oldest finished jobs beyond the history limit.
func (m *Manager) prune() {
	m.mu.Lock()
	defer m.mu.Unlock()

	type finished struct {
		id string
		at time.Time
	}
	var done []finished
	for id, job := range m.jobs {
		if at, ok := job.finishedTime(); ok {
			done = append(done, finished{id: id, at: at})
		}
	}
	if len(done) <= m.historyLimit {
		return
	}
	sort.Slice(done, func(i, k int) bool {
		return done[i].at.Before(done[k].at)
	})
	for _, f := range done[:len(done)-m.historyLimit] {
		delete(m.jobs, f.id)
	}
	m.logger.Debug("pruned finished jobs",
		zap.Int("dropped", len(done)-m.historyLimit),
		zap.Int("retained", m.historyLimit),
	)
}

func (m *Manager) Get(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// List returns a snapshot of every known job, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		return out[i].StartedAt.After(out[k].StartedAt)
	})
	return out
}

func (m *Manager) Cancel(id string) error {
	job, ok := m.Get(id)
	if !ok {
		return ErrJobNotFound
	}
	m.logger.Info("cancelling job", zap.String("job_id", id))
	job.Cancel()
	return nil
}

// Stream writes the job's SSE stream to w until the job finishes or ctx
// is done. Earlier entries are replayed first.
func (m *Manager) Stream(ctx context.Context, id string, w io.Writer) error {
	job, ok := m.Get(id)
	if !ok {
		return ErrJobNotFound
	}

	subscriberID := uuid.New().String()
	job.broadcaster.Subscribe(subscriberID, w)
	defer job.broadcaster.Unsubscribe(subscriberID)

	select {
	case <-job.Done():
	case <-ctx.Done():
	}
	return nil
}

// Shutdown cancels every running job and waits for them to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, job := range m.jobs {
		job.Cancel()
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
