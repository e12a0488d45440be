// Package types provides core domain types and validation utilities for the exporter.
// This package defines fundamental types like DeviceID, Nickname and OutletIndex
// along with their validation logic and error definitions.
package types

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// DeviceID is the identifier the device reports for itself or for a child outlet.
type DeviceID string

// Nickname is the user-assigned name of a device or outlet, already decoded.
type Nickname string

// OutletIndex is the 1-based position of an outlet on the strip.
type OutletIndex int

var (
	// ErrInvalidDeviceID is returned when a device ID is invalid.
	ErrInvalidDeviceID = errors.New("invalid device ID")
	// ErrInvalidNickname is returned when a nickname cannot be decoded.
	ErrInvalidNickname = errors.New("invalid nickname encoding")
	// ErrInvalidOutletIndex is returned when an outlet position is out of range.
	ErrInvalidOutletIndex = errors.New("invalid outlet index")
	// ErrInvalidAddress is returned when a device address is not a host or host:port.
	ErrInvalidAddress = errors.New("invalid device address")

	hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)
)

// MaxOutlets bounds outlet positions; the largest Tapo strips have six sockets.
const MaxOutlets = 16

// NewDeviceID creates a new DeviceID with validation.
func NewDeviceID(id string) (DeviceID, error) {
	if id == "" {
		return "", fmt.Errorf("device ID cannot be empty")
	}
	if len(id) > 64 {
		return "", fmt.Errorf("device ID too long: %d characters", len(id))
	}
	return DeviceID(id), nil
}

// IsValid checks if the DeviceID is valid.
func (d DeviceID) IsValid() bool {
	return len(d) > 0 && len(d) <= 64
}

func (d DeviceID) String() string {
	return string(d)
}

// DecodeNickname decodes the base64 nickname the device reports. Control
// characters are dropped so the value is safe as a label.
func DecodeNickname(encoded string) (Nickname, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidNickname, err)
	}
	return Nickname(raw).Sanitize(), nil
}

// Sanitize strips control characters and surrounding whitespace.
func (n Nickname) Sanitize() Nickname {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, string(n))
	return Nickname(strings.TrimSpace(cleaned))
}

func (n Nickname) String() string {
	return string(n)
}

// NewOutletIndex creates an OutletIndex with validation.
func NewOutletIndex(position int) (OutletIndex, error) {
	idx := OutletIndex(position)
	if !idx.IsValid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOutletIndex, position)
	}
	return idx, nil
}

// IsValid checks if the index is within 1..MaxOutlets.
func (i OutletIndex) IsValid() bool {
	return i >= 1 && i <= MaxOutlets
}

func (i OutletIndex) String() string {
	return strconv.Itoa(int(i))
}

// ValidateDeviceAddress validates a device address given as host or
// host:port, optionally prefixed with http://. Private and loopback
// addresses are expected: the device is only reachable on the local network.
func ValidateDeviceAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address cannot be empty", ErrInvalidAddress)
	}

	host := strings.TrimPrefix(address, "http://")
	if strings.ContainsAny(host, "/?#") {
		return fmt.Errorf("%w: %s must not contain a path", ErrInvalidAddress, address)
	}

	if h, port, err := net.SplitHostPort(host); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("%w: invalid port %q", ErrInvalidAddress, port)
		}
		host = h
	}

	if len(host) > 253 {
		return fmt.Errorf("%w: hostname too long: %d characters", ErrInvalidAddress, len(host))
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsUnspecified() || ip.IsMulticast() {
			return fmt.Errorf("%w: %s is not a unicast address", ErrInvalidAddress, host)
		}
		return nil
	}
	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("%w: invalid hostname format: %s", ErrInvalidAddress, host)
	}
	return nil
}
