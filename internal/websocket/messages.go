package websocket

import "time"

type MessageType string

const (
	MessageTypeJobStatus   MessageType = "job_status"
	MessageTypeJobProgress MessageType = "job_progress"
)

type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// JobEvent reports a job state change or entry progress. Code and Message
// are set once the job has finished.
type JobEvent struct {
	BaseMessage
	JobID       string `json:"job_id"`
	Kind        string `json:"kind"`
	Status      string `json:"status"`
	Archive     string `json:"archive"`
	Destination string `json:"destination"`
	Entry       string `json:"entry,omitempty"`
	BytesRead   int64  `json:"bytes_read,omitempty"`
	Entries     int    `json:"entries,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}
