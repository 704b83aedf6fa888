package casemover

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInvalidState   = errors.New("invalid state")
	ErrRateLimited    = errors.New("rate limited")
	ErrResultCeiling  = errors.New("query result ceiling exceeded")
	ErrStoreOffline   = errors.New("target store unreachable")
	ErrSourceOffline  = errors.New("source api unreachable")
	ErrSchemaRejected = errors.New("payload failed schema validation")
)

// RateLimitError is returned after the retry cap is exhausted. The last
// server-provided wait hint is retained for the job log.
type RateLimitError struct {
	Endpoint string
	Attempts int
	Wait     time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited on %s after %d attempts (last wait %s)", e.Endpoint, e.Attempts, e.Wait)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// CeilingError marks the source's hard per-query result ceiling. Callers
// treat it as a graceful stop for the partition in progress, never a failure.
type CeilingError struct {
	Endpoint string
	Fetched  int
}

func (e *CeilingError) Error() string {
	return fmt.Sprintf("result ceiling reached on %s after %d records", e.Endpoint, e.Fetched)
}

func (e *CeilingError) Is(target error) bool {
	return target == ErrResultCeiling
}

// APIError carries a non-retryable source API failure.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("source api %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("source api %d: %s", e.StatusCode, e.Message)
}

// ValidationError rejects a single record without stopping its batch.
type ValidationError struct {
	Resource string
	SourceID string
	Field    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s: missing required field %q", e.Resource, e.SourceID, e.Field)
}
