package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

const (
	PolicyFail = "fail"
	PolicySkip = "skip"
)

type Config struct {
	AccessToken string `yaml:"access_token"`
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"log_level"`

	TLSEnabled bool   `yaml:"tls_enabled"`
	TLSCertDir string `yaml:"tls_cert_dir"`

	WorkRoot   string `yaml:"work_root"`
	InboxDir   string `yaml:"inbox_dir"`
	OutputRoot string `yaml:"output_root"`

	WatchEnabled bool `yaml:"watch_enabled"`

	ArchiverPath    string   `yaml:"archiver_path"`
	ConsoleCodePage string   `yaml:"console_code_page"`
	PreferProcess   []string `yaml:"prefer_process"`

	UnsupportedEntryPolicy string `yaml:"unsupported_entry_policy"`
	CleanupOnFailure       bool   `yaml:"cleanup_on_failure"`
	RemapConcurrency       int    `yaml:"remap_concurrency"`
	JobHistoryLimit        int    `yaml:"job_history_limit"`

	RequestLogEnabled     bool   `yaml:"request_log_enabled"`
	RequestLogFilePath    string `yaml:"request_log_file_path"`
	RequestLogSizeLimitMB int    `yaml:"request_log_size_limit_mb"`

	AuditLogEnabled     bool   `yaml:"audit_log_enabled"`
	AuditLogFilePath    string `yaml:"audit_log_file_path"`
	AuditLogSizeLimitMB int    `yaml:"audit_log_size_limit_mb"`
}

func NewConfig() (*Config, error) {
	cfg := &Config{
		AccessToken:            getEnv("ACCESS_TOKEN", ""),
		Port:                   getEnv("PORT", "8080"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		TLSEnabled:             getEnvBool("TLS_ENABLED", false),
		TLSCertDir:             getEnv("TLS_CERT_DIR", "./ssl"),
		WorkRoot:               getEnv("WORK_ROOT", "/var/lib/berth-unpack"),
		InboxDir:               getEnv("INBOX_DIR", ""),
		OutputRoot:             getEnv("OUTPUT_ROOT", ""),
		WatchEnabled:           getEnvBool("WATCH_ENABLED", false),
		ArchiverPath:           getEnv("ARCHIVER_PATH", defaultArchiverPath()),
		ConsoleCodePage:        getEnv("CONSOLE_CODE_PAGE", defaultCodePage()),
		PreferProcess:          getEnvList("PREFER_PROCESS"),
		UnsupportedEntryPolicy: getEnv("UNSUPPORTED_ENTRY_POLICY", PolicyFail),
		CleanupOnFailure:       getEnvBool("CLEANUP_ON_FAILURE", false),
		RemapConcurrency:       getEnvInt("REMAP_CONCURRENCY", 4),
		JobHistoryLimit:        getEnvInt("JOB_HISTORY_LIMIT", 100),
		RequestLogEnabled:      getEnvBool("REQUEST_LOG_ENABLED", false),
		RequestLogFilePath:     getEnv("REQUEST_LOG_FILE_PATH", "/var/log/berth-unpack/requests.jsonl"),
		RequestLogSizeLimitMB:  getEnvInt("REQUEST_LOG_SIZE_LIMIT_MB", 100),
		AuditLogEnabled:        getEnvBool("AUDIT_LOG_ENABLED", false),
		AuditLogFilePath:       getEnv("AUDIT_LOG_FILE_PATH", "/var/log/berth-unpack/audit.jsonl"),
		AuditLogSizeLimitMB:    getEnvInt("AUDIT_LOG_SIZE_LIMIT_MB", 100),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if cfg.InboxDir == "" {
		cfg.InboxDir = cfg.WorkRoot + "/inbox"
	}
	if cfg.OutputRoot == "" {
		cfg.OutputRoot = cfg.WorkRoot + "/output"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile overlays values present in a YAML file on top of cfg. Keys absent
// from the file keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.UnsupportedEntryPolicy {
	case PolicyFail, PolicySkip:
	default:
		return fmt.Errorf("invalid unsupported entry policy %q: must be %q or %q",
			c.UnsupportedEntryPolicy, PolicyFail, PolicySkip)
	}
	if c.RemapConcurrency < 1 {
		return fmt.Errorf("remap concurrency must be at least 1, got %d", c.RemapConcurrency)
	}
	if c.JobHistoryLimit < 1 {
		return fmt.Errorf("job history limit must be at least 1, got %d", c.JobHistoryLimit)
	}
	return nil
}

func (c *Config) SkipUnsupportedEntries() bool {
	return c.UnsupportedEntryPolicy == PolicySkip
}

func (c *Config) GetRequestLogEnabled() bool {
	return c.RequestLogEnabled
}

func (c *Config) GetRequestLogFilePath() string {
	return c.RequestLogFilePath
}

func (c *Config) RequestLogSizeLimitBytes() int64 {
	return megabytes(c.RequestLogSizeLimitMB)
}

func (c *Config) AuditLogSizeLimitBytes() int64 {
	return megabytes(c.AuditLogSizeLimitMB)
}

func megabytes(mb int) int64 {
	return int64(mb) * 1024 * 1024
}

func defaultArchiverPath() string {
	if runtime.GOOS == "windows" {
		return `C:\Program Files\7-Zip\7z.exe`
	}
	return "/usr/bin/7z"
}

func defaultCodePage() string {
	if runtime.GOOS == "windows" {
		return "cp437"
	}
	return "utf-8"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToLower(part))
		}
	}
	return out
}

var Module = fx.Options(
	fx.Provide(NewConfig),
)
