package logging

import (
	"net/http"
	"time"
)

// RequestLogEntry is one line of the request log.
type RequestLogEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	ClientIP   string    `json:"client_ip"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Status     int       `json:"status"`
	Bytes      int64     `json:"bytes"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Auth       AuthInfo  `json:"auth"`
	JobFields
}

// JobFields ties a request to the job it started or addressed.
type JobFields struct {
	JobID       string `json:"job_id,omitempty"`
	Archive     string `json:"archive,omitempty"`
	Destination string `json:"destination,omitempty"`
	Format      string `json:"format,omitempty"`
}

type AuthInfo struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	TokenHash string `json:"token_hash,omitempty"`
}

func NewRequestLogEntry() *RequestLogEntry {
	return &RequestLogEntry{
		Timestamp: time.Now().UTC(),
		Auth:      AuthInfo{Status: AuthStatusNone},
	}
}

func newEntryFor(r *http.Request, requestID, clientIP string) *RequestLogEntry {
	entry := NewRequestLogEntry()
	entry.RequestID = requestID
	entry.ClientIP = clientIP
	entry.Method = r.Method
	entry.Path = r.URL.Path
	entry.UserAgent = r.UserAgent()
	return entry
}
