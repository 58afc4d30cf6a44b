package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/tech-arch1tect/berth-unpack/internal/common"
	"github.com/tech-arch1tect/berth-unpack/internal/logging"
)

// FailureRecorder is told about rejected requests.
type FailureRecorder interface {
	LogAuthFailure(clientIP, reason string)
}

func TokenMiddleware(accessToken string, logger *logging.Logger, recorder FailureRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sourceIP := c.RealIP()

			reject := func(status int, reason string) error {
				logging.SetAuthFailure(c, reason)
				logger.Warn("Authentication failed",
					zap.String("auth_status", logging.AuthStatusFailed),
					zap.String("source_ip", sourceIP),
					zap.String("reason", reason))
				if recorder != nil {
					recorder.LogAuthFailure(sourceIP, reason)
				}
				return common.SendError(c, status, reason)
			}

			if accessToken == "" {
				return reject(http.StatusInternalServerError, "Access token not configured")
			}

			header := c.Request().Header.Get("Authorization")
			if header == "" {
				return reject(http.StatusUnauthorized, "Authorization header required")
			}

			token := logging.ExtractBearerToken(header)
			if token == "" {
				return reject(http.StatusUnauthorized, "Bearer token required")
			}

			if subtle.ConstantTimeCompare([]byte(token), []byte(accessToken)) != 1 {
				return reject(http.StatusUnauthorized, "Invalid token")
			}

			logging.SetAuthSuccess(c, token)
			logger.Debug("Authentication successful",
				zap.String("auth_status", logging.AuthStatusSuccess),
				zap.String("source_ip", sourceIP),
				zap.String("token_hash", logging.HashToken(token)))
			return next(c)
		}
	}
}
