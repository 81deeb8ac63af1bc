// Package domain holds the core entity types and error taxonomy shared by
// every HyperAsset service. The package is pure: no infrastructure imports.
package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors classify failures so the gateway can map them to HTTP
// status codes and so callers can decide whether to retry.
var (
	// ErrConfig indicates an invalid or missing configuration value.
	// Fatal at startup.
	ErrConfig = errors.New("configuration error")

	// ErrConnection indicates a transient connectivity failure (DB pool,
	// Redis, worker endpoint). Retryable.
	ErrConnection = errors.New("connection error")

	// ErrSerialization indicates an encode/decode failure. Fail-open for
	// caches, propagated for persistence.
	ErrSerialization = errors.New("serialization error")

	// ErrTimeout indicates an operation exceeded its budget. Retryable up
	// to the operation's budget.
	ErrTimeout = errors.New("timeout")

	// ErrDuplicate indicates the entity already exists. Soft: callers treat
	// it as a successful no-op.
	ErrDuplicate = errors.New("duplicate")

	// ErrProvider indicates an external provider failure (LLM, DART, KIS).
	// Retry then fall back.
	ErrProvider = errors.New("provider error")

	// ErrValidation indicates bad caller input. Maps to 4xx.
	ErrValidation = errors.New("validation error")

	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
)

// ConfigError wraps err as a fatal configuration error.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// ValidationError wraps a caller-input failure.
func ValidationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// ProviderError wraps an external-provider failure, naming the provider.
func ProviderError(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrProvider, provider, err)
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTimeout)
}
