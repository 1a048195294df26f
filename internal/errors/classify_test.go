package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyKeywordPatterns(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      string
		wantRetryable bool
		wantStrategy  RetryStrategy
		wantRetries   int
		wantBaseDelay time.Duration
		wantHuman     bool
	}{
		{
			name:          "timeout",
			err:           errors.New("request timeout after 30s"),
			wantKind:      "network_timeout",
			wantRetryable: true,
			wantStrategy:  RetryExpBackoff,
			wantRetries:   5,
			wantBaseDelay: 30 * time.Second,
		},
		{
			name:          "connection",
			err:           errors.New("connection reset by peer"),
			wantKind:      "network_connection",
			wantRetryable: true,
			wantStrategy:  RetryExpBackoff,
			wantRetries:   3,
			wantBaseDelay: 60 * time.Second,
		},
		{
			name:          "dns",
			err:           errors.New("dns lookup failed"),
			wantKind:      "network_dns",
			wantRetryable: true,
			wantStrategy:  RetryFixedDelay,
			wantRetries:   3,
			wantBaseDelay: 300 * time.Second,
		},
		{
			name:          "forbidden",
			err:           errors.New("server returned 403"),
			wantKind:      "auth_forbidden",
			wantRetryable: true,
			wantStrategy:  RetryFixedDelay,
			wantRetries:   2,
			wantBaseDelay: time.Hour,
			wantHuman:     true,
		},
		{
			name:          "login",
			err:           errors.New("login rejected"),
			wantKind:      "auth_login",
			wantRetryable: false,
			wantStrategy:  RetryNone,
			wantHuman:     true,
		},
		{
			name:          "unauthorized",
			err:           errors.New("unauthorized request"),
			wantKind:      "auth_unauthorized",
			wantRetryable: false,
			wantStrategy:  RetryNone,
			wantHuman:     true,
		},
		{
			name:          "not found",
			err:           errors.New("book not found on mirror"),
			wantKind:      "resource_not_found",
			wantRetryable: false,
			wantStrategy:  RetryNone,
		},
		{
			name:          "404",
			err:           errors.New("status 404"),
			wantKind:      "resource_not_found",
			wantRetryable: false,
			wantStrategy:  RetryNone,
		},
		{
			name:          "disk space",
			err:           errors.New("no disk space left"),
			wantKind:      "system_disk_space",
			wantRetryable: false,
			wantStrategy:  RetryNone,
			wantHuman:     true,
		},
		{
			name:          "permission",
			err:           errors.New("permission denied writing file"),
			wantKind:      "system_permission",
			wantRetryable: false,
			wantStrategy:  RetryNone,
			wantHuman:     true,
		},
		{
			name:          "data missing",
			err:           errors.New("data_missing: no author"),
			wantKind:      "data_missing",
			wantRetryable: false,
			wantStrategy:  RetryNone,
		},
		{
			name:          "quota exhausted",
			err:           errors.New("quota_exhausted"),
			wantKind:      "quota_exhausted",
			wantRetryable: false,
			wantStrategy:  RetryNone,
		},
		{
			name:          "quota check failed",
			err:           errors.New("quota_check_failed: remote unreachable"),
			wantKind:      "quota_check_failed",
			wantRetryable: true,
			wantStrategy:  RetryExpBackoff,
			wantRetries:   3,
			wantBaseDelay: 60 * time.Second,
		},
		{
			name:          "download limit",
			err:           errors.New("download_limit reached"),
			wantKind:      "download_limit_exhausted",
			wantRetryable: false,
			wantStrategy:  RetryNone,
			wantHuman:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := Classify(tt.err)
			assert.Equal(t, tt.wantKind, info.Kind)
			assert.Equal(t, tt.wantRetryable, info.Retryable)
			assert.Equal(t, tt.wantStrategy, info.RetryStrategy)
			assert.Equal(t, tt.wantHuman, info.NeedsHuman)
			if tt.wantRetries > 0 {
				assert.Equal(t, tt.wantRetries, info.MaxRetries)
			}
			if tt.wantBaseDelay > 0 {
				assert.Equal(t, tt.wantBaseDelay, info.BaseDelay)
			}
		})
	}
}

func TestClassifyTypedErrors(t *testing.T) {
	t.Run("download limit exhausted wins over message", func(t *testing.T) {
		err := NewDownloadLimitExhaustedError(time.Now().Add(time.Hour), nil)
		info := Classify(err)
		assert.Equal(t, "download_limit_exhausted", info.Kind)
		assert.False(t, info.Retryable)
		assert.True(t, info.NeedsHuman)
	})

	t.Run("network error routes by message", func(t *testing.T) {
		err := NewNetworkError("search", errors.New("i/o timeout"))
		info := Classify(err)
		assert.Equal(t, "network_timeout", info.Kind)
		assert.Equal(t, 5, info.MaxRetries)
	})

	t.Run("network error without keyword", func(t *testing.T) {
		err := NewNetworkError("search", errors.New("broken pipe"))
		info := Classify(err)
		assert.Equal(t, "network_unknown", info.Kind)
		assert.True(t, info.Retryable)
	})

	t.Run("auth error with 403 status", func(t *testing.T) {
		err := NewAuthError("readlist", 403, errors.New("access denied"))
		info := Classify(err)
		assert.Equal(t, "auth_forbidden", info.Kind)
		assert.True(t, info.NeedsHuman)
	})

	t.Run("auth error without status is unauthorized", func(t *testing.T) {
		err := NewAuthError("mirror", 0, errors.New("session invalid"))
		info := Classify(err)
		assert.Equal(t, "auth_unauthorized", info.Kind)
		assert.False(t, info.Retryable)
	})

	t.Run("resource not found", func(t *testing.T) {
		err := NewResourceNotFoundError("candidate", errors.New("gone"))
		info := Classify(err)
		assert.Equal(t, "resource_not_found", info.Kind)
		assert.False(t, info.Retryable)
	})

	t.Run("processing error carries its kind", func(t *testing.T) {
		err := &ProcessingError{Kind: "status_mismatch", Message: "item moved on", Retryable: true}
		info := Classify(err)
		assert.Equal(t, "status_mismatch", info.Kind)
		assert.True(t, info.Retryable)
	})

	t.Run("wrapped typed error still classified", func(t *testing.T) {
		inner := NewAuthError("readlist", 403, errors.New("blocked"))
		err := fmt.Errorf("detail stage: %w", inner)
		info := Classify(err)
		assert.Equal(t, "auth_forbidden", info.Kind)
	})
}

func TestClassifyDefault(t *testing.T) {
	info := Classify(errors.New("something inexplicable"))
	assert.Equal(t, "unknown", info.Kind)
	assert.Equal(t, SeverityMedium, info.Severity)
	assert.Equal(t, RetryExpBackoff, info.RetryStrategy)
	assert.Equal(t, 2, info.MaxRetries)
	assert.Equal(t, 60*time.Second, info.BaseDelay)
	assert.True(t, info.Retryable)
}

func TestDelayComputation(t *testing.T) {
	info := ErrorInfo{RetryStrategy: RetryExpBackoff, BaseDelay: 30 * time.Second}
	assert.Equal(t, 30*time.Second, info.Delay(0))
	assert.Equal(t, 60*time.Second, info.Delay(1))
	assert.Equal(t, 120*time.Second, info.Delay(2))

	// Cap at one hour.
	assert.Equal(t, time.Hour, info.Delay(10))

	fixed := ErrorInfo{RetryStrategy: RetryFixedDelay, BaseDelay: 300 * time.Second}
	assert.Equal(t, 300*time.Second, fixed.Delay(0))
	assert.Equal(t, 300*time.Second, fixed.Delay(5))

	immediate := ErrorInfo{RetryStrategy: RetryImmediate, BaseDelay: time.Minute}
	assert.Equal(t, time.Duration(0), immediate.Delay(3))
}

func TestErrorHelpers(t *testing.T) {
	authErr := NewAuthError("readlist", 403, errors.New("denied"))
	require.True(t, IsAuthError(fmt.Errorf("wrap: %w", authErr)))
	require.False(t, IsAuthError(errors.New("plain")))

	limitErr := NewDownloadLimitExhaustedError(time.Time{}, nil)
	require.True(t, IsDownloadLimitExhausted(limitErr))
	assert.Equal(t, "download limit exhausted", limitErr.Error())

	mismatch := NewStatusMismatchError("stage raced")
	require.True(t, IsStatusMismatch(mismatch))
	require.True(t, errors.Is(mismatch, ErrStatusMismatch))
}
