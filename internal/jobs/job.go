package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/tech-arch1tect/berth-unpack/internal/websocket"
)

// Notifier receives job events for the websocket feed.
type Notifier interface {
	BroadcastJobEvent(event websocket.JobEvent)
}

// Job is the handle for one running extraction. It is owned by whoever
// started it; Cancel and Wait are safe to call from any goroutine.
type Job struct {
	ID          string
	Kind        Kind
	Archive     string
	Destination string
	Format      archive.Format
	StartedAt   time.Time

	broadcaster *Broadcaster
	notifier    Notifier
	cancel      context.CancelFunc
	done        chan struct{}

	mu          sync.RWMutex
	status      Status
	result      *archive.Result
	finishedAt  time.Time
	current     string
	entriesDone int
	bytesRead   int64
	entryBytes  int64
}

func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) (archive.Result, error) {
	select {
	case <-j.done:
		res, _ := j.Result()
		return res, nil
	case <-ctx.Done():
		return archive.Result{}, ctx.Err()
	}
}

// Result returns the outcome once the job has finished.
func (j *Job) Result() (archive.Result, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.result == nil {
		return archive.Result{}, false
	}
	return *j.result, true
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

func (j *Job) finishedTime() (time.Time, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.finishedAt, !j.finishedAt.IsZero()
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		ID:           j.ID,
		Kind:         j.Kind,
		Archive:      j.Archive,
		Destination:  j.Destination,
		Format:       j.Format,
		Status:       j.status,
		StartedAt:    j.StartedAt,
		CurrentEntry: j.current,
		EntriesDone:  j.entriesDone,
		BytesRead:    j.bytesRead,
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	if j.result != nil {
		r := *j.result
		s.Result = &r
	}
	return s
}

func (j *Job) EntryStarted(name string, uncompressed, compressed int64) {
	j.mu.Lock()
	j.current = name
	j.entryBytes = 0
	j.mu.Unlock()

	j.broadcaster.Broadcast(Message{Type: StreamTypeEntry, Entry: name, Bytes: uncompressed})
}

func (j *Job) BytesRead(name string, cumulative int64) {
	j.mu.Lock()
	j.bytesRead += cumulative - j.entryBytes
	j.entryBytes = cumulative
	j.mu.Unlock()

	j.broadcaster.Broadcast(Message{Type: StreamTypeProgress, Entry: name, Bytes: cumulative})
	j.notify(websocket.MessageTypeJobProgress, name, "", "")
}

func (j *Job) EntryFinished(name string, err error) {
	j.mu.Lock()
	if err == nil {
		j.entriesDone++
	}
	j.entryBytes = 0
	j.mu.Unlock()

	if err != nil {
		j.broadcaster.Broadcast(Message{Type: StreamTypeError, Entry: name, Data: err.Error()})
	}
}

func (j *Job) notify(msgType websocket.MessageType, entry, code, message string) {
	if j.notifier == nil {
		return
	}
	snap := j.Snapshot()
	j.notifier.BroadcastJobEvent(websocket.JobEvent{
		BaseMessage: websocket.BaseMessage{Type: msgType, Timestamp: time.Now()},
		JobID:       j.ID,
		Kind:        string(j.Kind),
		Status:      string(snap.Status),
		Archive:     j.Archive,
		Destination: j.Destination,
		Entry:       entry,
		BytesRead:   snap.BytesRead,
		Entries:     snap.EntriesDone,
		Code:        code,
		Message:     message,
	})
}
