package logging

import (
	"go.uber.org/zap"
)

const (
	defaultRequestLogPath = "/var/log/berth-unpack/requests.jsonl"
	defaultRequestLogSize = 100 * 1024 * 1024
)

// Service records one JSON line per API request.
type Service struct {
	logger *Logger
	out    *JSONLFile
}

func NewService(enabled bool, logFilePath string, maxSize int64, logger *Logger) (*Service, error) {
	if !enabled {
		return &Service{}, nil
	}
	if logger == nil {
		logger = NewNop()
	}
	if logFilePath == "" {
		logFilePath = defaultRequestLogPath
	}
	if maxSize <= 0 {
		maxSize = defaultRequestLogSize
	}

	logger = logger.Named("requests")
	out, err := OpenJSONL(logFilePath, maxSize, logger)
	if err != nil {
		return nil, err
	}
	return &Service{logger: logger, out: out}, nil
}

func (s *Service) Enabled() bool {
	return s != nil && s.out != nil
}

func (s *Service) LogRequest(entry *RequestLogEntry) {
	if !s.Enabled() {
		return
	}
	if err := s.out.Append(entry); err != nil {
		s.logger.Error("failed to record request", zap.String("path", entry.Path), zap.Error(err))
	}
}

func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	return s.out.Close()
}
