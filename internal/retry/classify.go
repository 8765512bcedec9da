package retry

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"
)

// Kind classifies a failure for retry policy decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindRemoteAPI
	KindFilesystem
	KindValidation
	KindTimeout
	KindRateLimit
)

// String returns the kind name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRemoteAPI:
		return "remote_api"
	case KindFilesystem:
		return "filesystem"
	case KindValidation:
		return "validation"
	case KindTimeout:
		return "timeout"
	case KindRateLimit:
		return "rate_limit"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this kind may be retried.
// Validation errors must never be retried: the input is wrong, not the world.
func (k Kind) Retryable() bool {
	return k != KindValidation
}

// Kinder lets error types declare their own classification. The VK API
// error and the wire parser's malformed-event error implement it.
type Kinder interface {
	RetryKind() Kind
}

// Classify inspects typed errors and system error codes first, then falls
// back to message-content patterns.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var kinder Kinder
	if errors.As(err, &kinder) {
		return kinder.RetryKind()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	// Errnos satisfy net.Error too, so the errno switch must run first or
	// filesystem codes would classify as network.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return KindNetwork
		case syscall.ETIMEDOUT:
			return KindTimeout
		case syscall.ENOENT, syscall.EACCES, syscall.ENOSPC, syscall.EROFS, syscall.EMFILE, syscall.ENOTDIR:
			return KindFilesystem
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return KindFilesystem
	}

	return classifyByMessage(err.Error())
}

func classifyByMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, "too many requests", "rate limit", "throttl", "slow down"):
		return KindRateLimit
	case containsAny(lower, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(lower, "connection refused", "connection reset", "broken pipe",
		"no such host", "network is unreachable", "eof", "temporary failure"):
		return KindNetwork
	case containsAny(lower, "no such file", "permission denied", "no space left", "read-only file system"):
		return KindFilesystem
	case containsAny(lower, "invalid", "malformed", "validation"):
		return KindValidation
	case containsAny(lower, "internal server error", "bad gateway", "service unavailable", "server error"):
		return KindRemoteAPI
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
