package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDeviceError(t *testing.T) {
	underlyingErr := errors.New("connection refused")
	deviceErr := NewDeviceError(KindTransport, "handshake1", underlyingErr)

	expectedMsg := "handshake1: transport_error: connection refused"
	if deviceErr.Error() != expectedMsg {
		t.Errorf("Expected error message %q, got %q", expectedMsg, deviceErr.Error())
	}

	if !deviceErr.IsRetryable() {
		t.Error("Expected transport error to be retryable")
	}

	if deviceErr.Unwrap() != underlyingErr {
		t.Error("Unwrap() should return underlying error")
	}

	if deviceErr.Timestamp.IsZero() {
		t.Error("Expected timestamp to be set")
	}
}

func TestApplicationError(t *testing.T) {
	appErr := NewApplicationError("get_device_info", -1008)

	if appErr.Code != -1008 {
		t.Errorf("Expected code -1008, got %d", appErr.Code)
	}

	expectedMsg := "get_device_info: application_error (code -1008): device returned error code -1008"
	if appErr.Error() != expectedMsg {
		t.Errorf("Expected error message %q, got %q", expectedMsg, appErr.Error())
	}

	if appErr.IsRetryable() {
		t.Error("Expected application error not to be retryable")
	}
}

func TestDeviceErrorRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTransport, true},
		{KindMalformed, true},
		{KindDecryption, true},
		{KindParse, true},
		{KindSessionExpired, true},
		{KindAuthentication, false},
		{KindApplication, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := NewDeviceError(tt.kind, "op", errors.New("test error"))
			if err.IsRetryable() != tt.retryable {
				t.Errorf("Expected retryable=%v for kind %s, got %v", tt.retryable, tt.kind, err.IsRetryable())
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("scrape: %w", NewDeviceError(KindSessionExpired, "request", errors.New("expired")))

	if got := KindOf(wrapped); got != KindSessionExpired {
		t.Errorf("Expected kind %s, got %s", KindSessionExpired, got)
	}

	if !IsKind(wrapped, KindSessionExpired) {
		t.Error("Expected IsKind to match wrapped error")
	}

	if got := KindOf(errors.New("plain")); got != KindUnknown {
		t.Errorf("Expected kind %s for plain error, got %s", KindUnknown, got)
	}

	if got := KindOf(nil); got != "" {
		t.Errorf("Expected empty kind for nil, got %s", got)
	}
}

func TestConfigurationError(t *testing.T) {
	err := ConfigurationError{Field: "SESSION_TTL", Value: "-1s", Reason: "must be positive"}

	expectedMsg := "configuration error in field SESSION_TTL (value: -1s): must be positive"
	if err.Error() != expectedMsg {
		t.Errorf("Expected error message %q, got %q", expectedMsg, err.Error())
	}

	if errors.Is(err, ErrInvalidSessionTTL) {
		t.Error("Expected no sentinel without Err")
	}
	err.Err = ErrInvalidSessionTTL
	if !errors.Is(err, ErrInvalidSessionTTL) {
		t.Error("Expected ConfigurationError to unwrap to its sentinel")
	}
}

func TestRetryConfigCalculateDelay(t *testing.T) {
	config := RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2.0,
	}

	tests := []struct {
		name     string
		attempt  int
		expected time.Duration
	}{
		{"first attempt", 0, 100 * time.Millisecond},
		{"second attempt", 1, 200 * time.Millisecond},
		{"third attempt", 2, 400 * time.Millisecond},
		{"fourth attempt", 3, 800 * time.Millisecond},
		{"large attempt hits max", 10, 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := config.CalculateDelay(tt.attempt)
			if delay != tt.expected {
				t.Errorf("Expected delay %v for attempt %d, got %v", tt.expected, tt.attempt, delay)
			}
		})
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxAttempts != 3 {
		t.Errorf("Expected MaxAttempts=3, got %d", config.MaxAttempts)
	}

	if config.BaseDelay != time.Second {
		t.Errorf("Expected BaseDelay=1s, got %v", config.BaseDelay)
	}

	if config.MaxDelay != 2*time.Minute {
		t.Errorf("Expected MaxDelay=2m, got %v", config.MaxDelay)
	}

	if config.Multiplier != 2.0 {
		t.Errorf("Expected Multiplier=2.0, got %f", config.Multiplier)
	}
}
