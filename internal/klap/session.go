package klap

import (
	"sync/atomic"
	"time"
)

// Session is the live authenticated context produced by one handshake. It is
// owned by a single caller and replaced, never repaired, when it expires.
type Session struct {
	keys      KeyMaterial
	cookie    string
	createdAt time.Time
	expiresAt time.Time // zero when the device advertised no timeout

	// requests counts sends issued on this session; the wire sequence number
	// is keys.Seq + requests.
	requests atomic.Int64
}

func newSession(keys KeyMaterial, cookie string, createdAt time.Time, timeout time.Duration) *Session {
	s := &Session{
		keys:      keys,
		cookie:    cookie,
		createdAt: createdAt,
	}
	if timeout > 0 {
		s.expiresAt = createdAt.Add(timeout)
	}
	return s
}

// Cookie returns the session cookie to attach to requests.
func (s *Session) Cookie() string {
	return s.cookie
}

// Keys returns the derived key material.
func (s *Session) Keys() KeyMaterial {
	return s.keys
}

// CreatedAt returns when the handshake completed.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// ExpiresAt returns the device-advertised expiry, or the zero time.
func (s *Session) ExpiresAt() time.Time {
	return s.expiresAt
}

// SequenceNumber returns the number of requests issued on the session so far.
// A fresh session reports 0.
func (s *Session) SequenceNumber() int64 {
	return s.requests.Load()
}

// Age returns how long ago the session was created.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.createdAt)
}

// Fresh reports whether the session may still be used at now: younger than
// ttl (when ttl > 0) and before the device-advertised expiry.
func (s *Session) Fresh(now time.Time, ttl time.Duration) bool {
	if ttl > 0 && s.Age(now) >= ttl {
		return false
	}
	if !s.expiresAt.IsZero() && !now.Before(s.expiresAt) {
		return false
	}
	return true
}

// nextSeq advances the request counter and returns the wire sequence number
// for the new request. int32 overflow wraps like the device's counter.
func (s *Session) nextSeq() int32 {
	n := s.requests.Add(1)
	return s.keys.Seq + int32(n)
}
