package errors

import (
	"errors"
	"strings"
	"time"
)

// Severity buckets failures by how loudly an operator should hear about them.
type Severity string

// Severity levels.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RetryStrategy names how retry delays are computed.
type RetryStrategy string

// Retry strategies.
const (
	RetryImmediate  RetryStrategy = "immediate"
	RetryFixedDelay RetryStrategy = "fixed_delay"
	RetryExpBackoff RetryStrategy = "exponential_backoff"
	RetryNone       RetryStrategy = "no_retry"
)

// maxBackoff caps exponential backoff delays.
const maxBackoff = time.Hour

// ErrorInfo is the classifier verdict: what kind of failure this is and how
// the scheduler should react to it.
type ErrorInfo struct {
	Kind          string
	Severity      Severity
	RetryStrategy RetryStrategy
	MaxRetries    int
	BaseDelay     time.Duration
	Retryable     bool
	NeedsHuman    bool
}

// Delay computes the wait before the given retry attempt (0-based).
// Exponential backoff doubles per attempt and is capped at one hour.
func (e ErrorInfo) Delay(retryCount int) time.Duration {
	switch e.RetryStrategy {
	case RetryImmediate:
		return 0
	case RetryFixedDelay:
		return e.BaseDelay
	case RetryExpBackoff:
		delay := e.BaseDelay
		for i := 0; i < retryCount; i++ {
			delay *= 2
			if delay >= maxBackoff {
				return maxBackoff
			}
		}
		return delay
	default:
		return e.BaseDelay
	}
}

// errorPatterns maps lowercased message fragments to verdicts. Ordered:
// earlier entries win when several fragments appear in one message.
var errorPatterns = []struct {
	pattern string
	info    ErrorInfo
}{
	{"timeout", ErrorInfo{Kind: "network_timeout", Severity: SeverityLow, RetryStrategy: RetryExpBackoff, MaxRetries: 5, BaseDelay: 30 * time.Second, Retryable: true}},
	{"connection", ErrorInfo{Kind: "network_connection", Severity: SeverityMedium, RetryStrategy: RetryExpBackoff, MaxRetries: 3, BaseDelay: 60 * time.Second, Retryable: true}},
	{"dns", ErrorInfo{Kind: "network_dns", Severity: SeverityMedium, RetryStrategy: RetryFixedDelay, MaxRetries: 3, BaseDelay: 300 * time.Second, Retryable: true}},
	{"login", ErrorInfo{Kind: "auth_login", Severity: SeverityHigh, RetryStrategy: RetryNone, Retryable: false, NeedsHuman: true}},
	{"unauthorized", ErrorInfo{Kind: "auth_unauthorized", Severity: SeverityHigh, RetryStrategy: RetryNone, Retryable: false, NeedsHuman: true}},
	{"403", ErrorInfo{Kind: "auth_forbidden", Severity: SeverityHigh, RetryStrategy: RetryFixedDelay, MaxRetries: 2, BaseDelay: time.Hour, Retryable: true, NeedsHuman: true}},
	{"404", ErrorInfo{Kind: "resource_not_found", Severity: SeverityLow, RetryStrategy: RetryNone, Retryable: false}},
	{"not found", ErrorInfo{Kind: "resource_not_found", Severity: SeverityLow, RetryStrategy: RetryNone, Retryable: false}},
	{"disk space", ErrorInfo{Kind: "system_disk_space", Severity: SeverityCritical, RetryStrategy: RetryNone, Retryable: false, NeedsHuman: true}},
	{"permission", ErrorInfo{Kind: "system_permission", Severity: SeverityHigh, RetryStrategy: RetryNone, Retryable: false, NeedsHuman: true}},
	{"data_missing", ErrorInfo{Kind: "data_missing", Severity: SeverityMedium, RetryStrategy: RetryNone, Retryable: false}},
	{"data_invalid", ErrorInfo{Kind: "data_invalid", Severity: SeverityMedium, RetryStrategy: RetryNone, Retryable: false}},
	{"quota_exhausted", ErrorInfo{Kind: "quota_exhausted", Severity: SeverityLow, RetryStrategy: RetryNone, Retryable: false}},
	{"quota_check_failed", ErrorInfo{Kind: "quota_check_failed", Severity: SeverityMedium, RetryStrategy: RetryExpBackoff, MaxRetries: 3, BaseDelay: 60 * time.Second, Retryable: true}},
	{"download_limit", ErrorInfo{Kind: "download_limit_exhausted", Severity: SeverityMedium, RetryStrategy: RetryNone, Retryable: false, NeedsHuman: true}},
}

// defaultErrorInfo is the fallback for anything the table does not name.
var defaultErrorInfo = ErrorInfo{
	Kind:          "unknown",
	Severity:      SeverityMedium,
	RetryStrategy: RetryExpBackoff,
	MaxRetries:    2,
	BaseDelay:     60 * time.Second,
	Retryable:     true,
}

// Classify maps an error to its handling verdict.
//
// Resolution order: typed engine errors first, then keyword match against the
// lowercased message, then the default (medium severity, exponential backoff,
// 2 retries, 60 s base).
func Classify(err error) ErrorInfo {
	if err == nil {
		return defaultErrorInfo
	}

	message := strings.ToLower(err.Error())

	var limitErr *DownloadLimitExhaustedError
	if errors.As(err, &limitErr) {
		return lookupPattern("download_limit")
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return classifyNetwork(message)
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return classifyAuth(authErr, message)
	}

	var notFoundErr *ResourceNotFoundError
	if errors.As(err, &notFoundErr) {
		return lookupPattern("not found")
	}

	var procErr *ProcessingError
	if errors.As(err, &procErr) && procErr.Kind != "" {
		if info, ok := matchPattern(procErr.Kind); ok {
			return info
		}
		info := defaultErrorInfo
		info.Kind = procErr.Kind
		info.Retryable = procErr.Retryable
		if !procErr.Retryable {
			info.RetryStrategy = RetryNone
			info.MaxRetries = 0
		}
		return info
	}

	if info, ok := matchPattern(message); ok {
		return info
	}
	return defaultErrorInfo
}

func classifyNetwork(message string) ErrorInfo {
	for _, key := range []string{"timeout", "connection", "dns"} {
		if strings.Contains(message, key) {
			return lookupPattern(key)
		}
	}
	return ErrorInfo{
		Kind:          "network_unknown",
		Severity:      SeverityMedium,
		RetryStrategy: RetryExpBackoff,
		MaxRetries:    3,
		BaseDelay:     60 * time.Second,
		Retryable:     true,
	}
}

func classifyAuth(authErr *AuthError, message string) ErrorInfo {
	if authErr.StatusCode == 403 || strings.Contains(message, "403") {
		return lookupPattern("403")
	}
	if strings.Contains(message, "login") {
		return lookupPattern("login")
	}
	return lookupPattern("unauthorized")
}

func matchPattern(message string) (ErrorInfo, bool) {
	for _, entry := range errorPatterns {
		if strings.Contains(message, entry.pattern) {
			return entry.info, true
		}
	}
	return ErrorInfo{}, false
}

func lookupPattern(pattern string) ErrorInfo {
	for _, entry := range errorPatterns {
		if entry.pattern == pattern {
			return entry.info
		}
	}
	return defaultErrorInfo
}
