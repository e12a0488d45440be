package klap

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
)

// Handshaker establishes sessions with one device for one set of credentials.
type Handshaker struct {
	transport Transport
	authHash  []byte
	random    io.Reader
	now       func() time.Time
}

// HandshakerOption customizes a Handshaker.
type HandshakerOption func(*Handshaker)

// WithRandom sets the source of local seeds. Tests use it for reproducible sessions.
func WithRandom(r io.Reader) HandshakerOption {
	return func(h *Handshaker) { h.random = r }
}

// WithClock sets the clock used to stamp session creation.
func WithClock(now func() time.Time) HandshakerOption {
	return func(h *Handshaker) { h.now = now }
}

// NewHandshaker creates a handshaker. Only the auth hash of creds is retained.
func NewHandshaker(transport Transport, creds Credentials, opts ...HandshakerOption) *Handshaker {
	h := &Handshaker{
		transport: transport,
		authHash:  AuthHash(creds),
		random:    rand.Reader,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handshake performs handshake1 and handshake2 and returns a new Session with
// its request counter at zero. Failures are *errors.DeviceError values:
// authentication_error when the device's proof does not match or it rejects
// the confirmation, malformed_response for a body of the wrong shape, and
// transport_error otherwise.
func (h *Handshaker) Handshake(ctx context.Context) (*Session, error) {
	localSeed := make([]byte, SeedSize)
	if _, err := io.ReadFull(h.random, localSeed); err != nil {
		return nil, fmt.Errorf("failed to generate local seed: %w", err)
	}

	remoteSeed, cookie, timeout, err := h.handshake1(ctx, localSeed)
	if err != nil {
		return nil, err
	}

	if err := h.handshake2(ctx, localSeed, remoteSeed, cookie); err != nil {
		return nil, err
	}

	keys := DeriveSessionKey(h.authHash, remoteSeed, localSeed)
	session := newSession(keys, cookie, h.now(), timeout)

	slog.Debug("device session established", "device_timeout", timeout)
	return session, nil
}

func (h *Handshaker) handshake1(ctx context.Context, localSeed []byte) ([]byte, string, time.Duration, error) {
	resp, err := h.transport.Exchange(ctx, &Request{Path: PathHandshake1, Body: localSeed})
	if err != nil {
		return nil, "", 0, asDeviceError(errors.KindTransport, PathHandshake1, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", 0, errors.NewDeviceError(errors.KindTransport, PathHandshake1,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	if len(resp.Body) != SeedSize+ProofSize {
		return nil, "", 0, errors.NewDeviceError(errors.KindMalformed, PathHandshake1,
			fmt.Errorf("expected %d byte body, got %d", SeedSize+ProofSize, len(resp.Body)))
	}

	remoteSeed := resp.Body[:SeedSize]
	proof := resp.Body[SeedSize:]

	if !hmac.Equal(proof, Handshake1Proof(localSeed, remoteSeed, h.authHash)) {
		return nil, "", 0, errors.NewDeviceError(errors.KindAuthentication, PathHandshake1,
			fmt.Errorf("device proof does not match credentials"))
	}

	if resp.Cookie == "" {
		return nil, "", 0, errors.NewDeviceError(errors.KindMalformed, PathHandshake1,
			fmt.Errorf("no session cookie in response"))
	}

	return remoteSeed, resp.Cookie, resp.CookieTimeout, nil
}

func (h *Handshaker) handshake2(ctx context.Context, localSeed, remoteSeed []byte, cookie string) error {
	resp, err := h.transport.Exchange(ctx, &Request{
		Path:   PathHandshake2,
		Cookie: cookie,
		Body:   Handshake2Proof(localSeed, remoteSeed, h.authHash),
	})
	if err != nil {
		return asDeviceError(errors.KindTransport, PathHandshake2, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.NewDeviceError(errors.KindAuthentication, PathHandshake2,
			fmt.Errorf("device rejected confirmation with status %d", resp.StatusCode))
	default:
		return errors.NewDeviceError(errors.KindTransport, PathHandshake2,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// asDeviceError keeps an existing DeviceError and wraps anything else as kind.
func asDeviceError(kind errors.Kind, op string, err error) error {
	var de *errors.DeviceError
	if stderrors.As(err, &de) {
		return err
	}
	return errors.NewDeviceError(kind, op, err)
}
