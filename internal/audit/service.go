package audit

import (
	"time"

	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

const defaultAuditLogPath = "/var/log/berth-unpack/audit.jsonl"

// Service appends audit events as JSON lines through a rotating
// logging.JSONLFile. A disabled Service drops every event.
type Service struct {
	logger *logging.Logger
	out    *logging.JSONLFile
}

type AuditEvent struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	EventCategory string         `json:"event_category"`
	Severity      string         `json:"severity"`
	Success       bool           `json:"success"`
	ClientIP      string         `json:"client_ip,omitempty"`
	JobID         string         `json:"job_id,omitempty"`
	JobKind       string         `json:"job_kind,omitempty"`
	Archive       string         `json:"archive,omitempty"`
	Destination   string         `json:"destination,omitempty"`
	ResultCode    string         `json:"result_code,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	DurationMs    int64          `json:"duration_ms,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

func NewService(enabled bool, logFilePath string, maxSizeBytes int64, logger *logging.Logger) (*Service, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.Named("audit")
	if !enabled {
		return &Service{logger: logger}, nil
	}
	if logFilePath == "" {
		logFilePath = defaultAuditLogPath
	}

	out, err := logging.OpenJSONL(logFilePath, maxSizeBytes, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("audit log opened",
		zap.String("path", logFilePath),
		logging.Size("rotate_at", maxSizeBytes),
	)
	return &Service{logger: logger, out: out}, nil
}

// Log stamps the event with its time, category and severity before writing.
func (s *Service) Log(event AuditEvent) {
	if !s.IsEnabled() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.EventCategory = GetEventCategory(event.EventType)
	event.Severity = GetEventSeverity(event.EventType)

	if err := s.out.Append(event); err != nil {
		s.logger.Error("failed to write audit event",
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
	}
}

func (s *Service) LogAuthFailure(clientIP, reason string) {
	s.Log(AuditEvent{
		EventType:     EventAuthFailure,
		ClientIP:      clientIP,
		FailureReason: reason,
	})
}

func (s *Service) Close() error {
	if !s.IsEnabled() {
		return nil
	}
	return s.out.Close()
}

func (s *Service) IsEnabled() bool {
	return s != nil && s.out != nil
}
