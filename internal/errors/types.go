// Package errors provides the error taxonomy and retry utilities for the exporter.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure talking to the device. Kinds double as the
// error_type label on scrape error metrics.
type Kind string

const (
	KindTransport      Kind = "transport_error"
	KindAuthentication Kind = "authentication_error"
	KindSessionExpired Kind = "session_expired"
	KindDecryption     Kind = "decryption_error"
	KindParse          Kind = "parse_error"
	KindApplication    Kind = "application_error"
	KindMalformed      Kind = "malformed_response"
	KindUnknown        Kind = "unknown"
)

// Sentinels carried by ConfigurationError for the settings the exporter
// cannot start without.
var (
	ErrInvalidTimeout     = errors.New("invalid timeout")
	ErrInvalidSessionTTL  = errors.New("invalid session ttl")
	ErrMissingCredentials = errors.New("missing device credentials")
	ErrMissingAddress     = errors.New("missing device address")
)

// DeviceError represents a failure of a single exchange with the device.
type DeviceError struct {
	Kind       Kind
	Op         string
	Code       int
	Underlying error
	Timestamp  time.Time
}

// NewDeviceError creates a device error of the given kind for operation op.
func NewDeviceError(kind Kind, op string, err error) *DeviceError {
	return &DeviceError{
		Kind:       kind,
		Op:         op,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// NewApplicationError creates an error for a non-zero device error code.
func NewApplicationError(op string, code int) *DeviceError {
	return &DeviceError{
		Kind:       KindApplication,
		Op:         op,
		Code:       code,
		Underlying: fmt.Errorf("device returned error code %d", code),
		Timestamp:  time.Now(),
	}
}

func (e *DeviceError) Error() string {
	if e.Kind == KindApplication {
		return fmt.Sprintf("%s: %s (code %d): %v", e.Op, e.Kind, e.Code, e.Underlying)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Underlying)
}

func (e *DeviceError) Unwrap() error {
	return e.Underlying
}

// IsRetryable reports whether the same request may succeed if attempted again.
// Authentication failures need operator intervention and application errors
// are semantic rejections, so neither is retried.
func (e *DeviceError) IsRetryable() bool {
	switch e.Kind {
	case KindTransport, KindMalformed, KindDecryption, KindParse, KindSessionExpired:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of the first DeviceError in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries a DeviceError of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}


// ConfigurationError represents an error in configuration validation.
type ConfigurationError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in field %s (value: %s): %s", e.Field, e.Value, e.Reason)
}

func (e ConfigurationError) Unwrap() error {
	return e.Err
}

// RetryConfig configures retry behavior for failed operations.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    2 * time.Minute,
		Multiplier:  2.0,
	}
}

// CalculateDelay calculates the delay for the given retry attempt.
func (rc RetryConfig) CalculateDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return rc.BaseDelay
	}

	delay := float64(rc.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= rc.Multiplier
	}

	if time.Duration(delay) > rc.MaxDelay {
		return rc.MaxDelay
	}

	return time.Duration(delay)
}
