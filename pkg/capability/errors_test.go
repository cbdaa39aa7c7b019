package capability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	retryable := &ProviderError{Provider: "github", Op: "createRelease", StatusCode: 502, Retryable: true, Err: errors.New("bad gateway")}
	permanent := &ProviderError{Provider: "github", Op: "createRelease", StatusCode: 422, Err: errors.New("validation failed")}

	require.True(t, IsRetryable(retryable))
	require.True(t, IsRetryable(fmt.Errorf("step: %w", retryable)))
	require.False(t, IsRetryable(permanent))
	require.False(t, IsRetryable(ErrNotFound))
	require.False(t, IsRetryable(nil))
}

func TestProviderErrorUnwrapsToNotFound(t *testing.T) {
	err := &ProviderError{Provider: "github", Op: "getLatestRelease", StatusCode: 404, Err: ErrNotFound}
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, "github getLatestRelease: status 404: not found", err.Error())
}

func TestRetryableStatus(t *testing.T) {
	for code, want := range map[int]bool{
		200: false, 400: false, 401: false, 404: false, 422: false,
		408: true, 429: true, 500: true, 503: true,
	} {
		require.Equal(t, want, RetryableStatus(code), "status %d", code)
	}
}

func TestSchemaViolationError(t *testing.T) {
	err := &SchemaViolationError{Schema: "next_tag", Errors: []string{"tagName is required"}}
	require.Equal(t, "response does not match schema next_tag: tagName is required", err.Error())
}
