package jobs

import (
	"time"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
)

type Kind string

const (
	KindExtract       Kind = "extract"
	KindUnpackPackage Kind = "unpack_package"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type ExtractRequest struct {
	Archive     string `json:"archive"`
	Destination string `json:"destination"`
	Format      string `json:"format"`
}

type UnpackRequest struct {
	Archive     string `json:"archive"`
	Destination string `json:"destination"`
}

type StartResponse struct {
	JobID string `json:"jobId"`
}

// Snapshot is the JSON view of a job at one point in time.
type Snapshot struct {
	ID           string          `json:"id"`
	Kind         Kind            `json:"kind"`
	Archive      string          `json:"archive"`
	Destination  string          `json:"destination"`
	Format       archive.Format  `json:"format"`
	Status       Status          `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	CurrentEntry string          `json:"currentEntry,omitempty"`
	EntriesDone  int             `json:"entriesDone"`
	BytesRead    int64           `json:"bytesRead"`
	Result       *archive.Result `json:"result,omitempty"`
}

type StreamMessageType string

const (
	StreamTypeEntry    StreamMessageType = "entry"
	StreamTypeProgress StreamMessageType = "progress"
	StreamTypeComplete StreamMessageType = "complete"
	StreamTypeError    StreamMessageType = "error"
)
