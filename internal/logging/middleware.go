package logging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const RequestIDHeader = "X-Request-ID"

// Context keys handlers set so the request log can name the job involved.
const (
	JobIDContextKey          = "job_id"
	JobArchiveContextKey     = "job_archive"
	JobDestinationContextKey = "job_destination"
	JobFormatContextKey      = "job_format"
)

// RequestLoggingMiddleware tags every request with an X-Request-ID and,
// when the request log is enabled, records it once the handler returns.
// Health probes, the websocket upgrade and SSE streams are not recorded.
func RequestLoggingMiddleware(service *Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
				req.Header.Set(RequestIDHeader, requestID)
			}
			c.Response().Header().Set(RequestIDHeader, requestID)

			if !service.Enabled() || !recorded(req.URL.Path) {
				return next(c)
			}

			start := time.Now()
			clientIP := c.RealIP()
			if clientIP == "" {
				clientIP = req.RemoteAddr
			}
			entry := newEntryFor(req, requestID, clientIP)

			err := next(c)

			entry.Status = c.Response().Status
			entry.Bytes = c.Response().Size
			entry.DurationMs = float64(time.Since(start).Microseconds()) / 1000
			entry.Auth = AuthFrom(c)
			entry.JobFields = jobFieldsFrom(c)
			if err != nil {
				entry.Error = err.Error()
				var he *echo.HTTPError
				if errors.As(err, &he) {
					entry.Error = fmt.Sprint(he.Message)
					if entry.Status == 0 {
						entry.Status = he.Code
					}
				}
			}

			go service.LogRequest(entry)
			return err
		}
	}
}

func recorded(path string) bool {
	switch path {
	case "/health", "/api/health", "/ws/jobs":
		return false
	}
	return !strings.HasSuffix(path, "/stream")
}

func jobFieldsFrom(c echo.Context) JobFields {
	str := func(key string) string {
		v, _ := c.Get(key).(string)
		return v
	}
	fields := JobFields{
		JobID:       c.Param("jobId"),
		Archive:     str(JobArchiveContextKey),
		Destination: str(JobDestinationContextKey),
		Format:      str(JobFormatContextKey),
	}
	if fields.JobID == "" {
		fields.JobID = str(JobIDContextKey)
	}
	return fields
}
