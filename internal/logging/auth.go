package logging

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/labstack/echo/v4"
)

const (
	AuthStatusNone    = "none"
	AuthStatusSuccess = "success"
	AuthStatusFailed  = "failed"

	authContextKey = "request_auth"
)

// HashToken fingerprints a bearer token so the request log can correlate
// callers without storing the secret.
func HashToken(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return "sha256:" + hex.EncodeToString(sum[:8])
}

func SetAuthSuccess(c echo.Context, token string) {
	c.Set(authContextKey, AuthInfo{Status: AuthStatusSuccess, TokenHash: HashToken(token)})
}

func SetAuthFailure(c echo.Context, reason string) {
	c.Set(authContextKey, AuthInfo{Status: AuthStatusFailed, Error: reason})
}

// AuthFrom reports what the auth middleware decided for this request.
func AuthFrom(c echo.Context) AuthInfo {
	if info, ok := c.Get(authContextKey).(AuthInfo); ok {
		return info
	}
	return AuthInfo{Status: AuthStatusNone}
}

func ExtractBearerToken(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return token
}
