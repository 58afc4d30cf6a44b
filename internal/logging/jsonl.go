package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JSONLFile appends one JSON record per line. Once the file reaches maxSize
// bytes it is renamed to <base>-<date>-<seq><ext> and a fresh file is
// started; maxSize <= 0 disables rotation. A nil *JSONLFile drops records.
type JSONLFile struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	seq     int
	logger  *Logger
}

func OpenJSONL(path string, maxSize int64, logger *Logger) (*JSONLFile, error) {
	if logger == nil {
		logger = NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f := &JSONLFile{path: path, maxSize: maxSize, logger: logger}
	if err := f.open(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *JSONLFile) Path() string {
	return f.path
}

func (f *JSONLFile) open() error {
	file, err := os.OpenFile(f.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", f.path, err)
	}
	f.file = file
	return nil
}

func (f *JSONLFile) Append(record any) error {
	if f == nil {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := f.open(); err != nil {
			return err
		}
	}
	if _, err := f.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	f.rotateIfNeeded()
	return nil
}

func (f *JSONLFile) rotateIfNeeded() {
	if f.maxSize <= 0 {
		return
	}
	info, err := f.file.Stat()
	if err != nil || info.Size() < f.maxSize {
		return
	}

	if err := f.file.Close(); err != nil {
		f.logger.Warn("failed to close log file during rotation", zap.String("path", f.path), zap.Error(err))
	}
	f.file = nil

	rotated := f.nextRotatedPath()
	if err := os.Rename(f.path, rotated); err != nil {
		f.logger.Error("failed to rotate log file",
			zap.String("from", f.path),
			zap.String("to", rotated),
			zap.Error(err),
		)
	} else {
		f.logger.Info("rotated log file", zap.String("rotated_to", rotated))
	}

	if err := f.open(); err != nil {
		f.logger.Error("failed to reopen log file", zap.Error(err))
	}
}

func (f *JSONLFile) nextRotatedPath() string {
	ext := filepath.Ext(f.path)
	base := strings.TrimSuffix(f.path, ext)
	date := time.Now().Format("2006-01-02")
	for {
		f.seq++
		candidate := fmt.Sprintf("%s-%s-%d%s", base, date, f.seq, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (f *JSONLFile) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
