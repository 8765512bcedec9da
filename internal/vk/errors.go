package vk

import (
	"errors"
	"fmt"

	"github.com/dmarkelov/vkgrab/internal/retry"
)

// Well-known VK API error codes.
const (
	CodeUnknown        = 1
	CodeAuthFailed     = 5
	CodeTooManyActions = 6
	CodeRateLimit      = 29
	CodeInternalServer = 10
)

// APIError is a protocol-level error returned inside an HTTP 200 response.
type APIError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vk api error %d: %s", e.Code, e.Message)
}

// IsAuth reports whether the error indicates invalid or expired credentials.
// Auth errors trigger the token-refresh path, not plain backoff.
func (e *APIError) IsAuth() bool {
	return e.Code == CodeAuthFailed
}

// IsAuthError reports whether err wraps an auth-failed API error.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsAuth()
}

// RetryKind implements retry.Kinder.
func (e *APIError) RetryKind() retry.Kind {
	switch e.Code {
	case CodeTooManyActions, CodeRateLimit:
		return retry.KindRateLimit
	default:
		return retry.KindRemoteAPI
	}
}
