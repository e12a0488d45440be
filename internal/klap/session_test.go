package klap_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
	"github.com/wjam/p304m-prometheus-exporter/internal/klap"
	"github.com/wjam/p304m-prometheus-exporter/internal/klap/klaptest"
)

var testCreds = klap.Credentials{Username: "user@example.com", Password: "hunter2"}

func newTestDevice(cfg klaptest.Config) *klaptest.Device {
	if cfg.Identity.Model == "" {
		cfg.Identity = klaptest.Identity{DeviceID: "8022AABB", Model: "P304M", Firmware: "1.2.0", Nickname: "Desk strip"}
	}
	if cfg.Outlets == nil {
		cfg.Outlets = []klaptest.Outlet{
			{DeviceID: "8022AABB00", Nickname: "Monitor", Position: 1, Watts: 12.5, On: true},
			{DeviceID: "8022AABB01", Nickname: "Lamp", Position: 2, Watts: 0, On: false},
			{DeviceID: "8022AABB02", Nickname: "Router", Position: 3, Watts: 4.2, On: true},
		}
	}
	return klaptest.NewDevice(testCreds, cfg)
}

// stubTransport returns canned responses in order.
type stubTransport struct {
	responses []*klap.Response
	requests  []*klap.Request
}

func (s *stubTransport) Exchange(_ context.Context, req *klap.Request) (*klap.Response, error) {
	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, fmt.Errorf("no response queued")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func TestHandshakeSuccess(t *testing.T) {
	device := newTestDevice(klaptest.Config{SessionTimeout: time.Hour})
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	h := klap.NewHandshaker(device, testCreds, klap.WithClock(func() time.Time { return created }))
	session, err := h.Handshake(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(0), session.SequenceNumber())
	assert.NotEmpty(t, session.Cookie())
	assert.True(t, session.Keys().Valid())
	assert.Equal(t, created, session.CreatedAt())
	assert.Equal(t, created.Add(time.Hour), session.ExpiresAt())
	assert.Equal(t, 1, device.Handshakes())
}

func TestHandshakeDeterministicWithFixedSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, klap.SeedSize*2)
	device := newTestDevice(klaptest.Config{})

	h := klap.NewHandshaker(device, testCreds, klap.WithRandom(bytes.NewReader(seed)))
	s1, err := h.Handshake(context.Background())
	require.NoError(t, err)
	s2, err := h.Handshake(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, s1.Cookie(), s2.Cookie())
	assert.NotEqual(t, s1.Keys().Key, s2.Keys().Key, "different remote seeds give different keys")
}

func TestHandshakeWrongCredentials(t *testing.T) {
	device := newTestDevice(klaptest.Config{})
	h := klap.NewHandshaker(device, klap.Credentials{Username: "user@example.com", Password: "wrong"})

	_, err := h.Handshake(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuthentication))
	assert.Equal(t, 0, device.Handshakes())
}

func TestHandshakeProofMismatch(t *testing.T) {
	device := newTestDevice(klaptest.Config{RejectHandshake: true})
	h := klap.NewHandshaker(device, testCreds)

	_, err := h.Handshake(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthentication, errors.KindOf(err))
	assert.Equal(t, 1, device.Handshake1Attempts())
	assert.Equal(t, 0, device.Handshakes())
}

func TestHandshakeTransportFailure(t *testing.T) {
	device := newTestDevice(klaptest.Config{})
	device.SetFailure(fmt.Errorf("connection refused"))

	_, err := klap.NewHandshaker(device, testCreds).Handshake(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindTransport, errors.KindOf(err))
}

func TestHandshakeResponseShapes(t *testing.T) {
	tests := []struct {
		name      string
		responses []*klap.Response
		wantKind  errors.Kind
	}{
		{
			name:      "handshake1 bad status",
			responses: []*klap.Response{{StatusCode: http.StatusInternalServerError}},
			wantKind:  errors.KindTransport,
		},
		{
			name:      "handshake1 short body",
			responses: []*klap.Response{{StatusCode: http.StatusOK, Body: make([]byte, 20), Cookie: "TP_SESSIONID=x"}},
			wantKind:  errors.KindMalformed,
		},
		{
			name:      "handshake1 wrong proof",
			responses: []*klap.Response{{StatusCode: http.StatusOK, Body: make([]byte, klap.SeedSize+klap.ProofSize), Cookie: "TP_SESSIONID=x"}},
			wantKind:  errors.KindAuthentication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubTransport{responses: tt.responses}
			_, err := klap.NewHandshaker(stub, testCreds).Handshake(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errors.KindOf(err))
		})
	}
}

func TestHandshakeMissingCookie(t *testing.T) {
	local := bytes.Repeat([]byte{0x01}, klap.SeedSize)
	remote := bytes.Repeat([]byte{0x02}, klap.SeedSize)
	auth := klap.AuthHash(testCreds)
	body := append(append([]byte(nil), remote...), klap.Handshake1Proof(local, remote, auth)...)

	stub := &stubTransport{responses: []*klap.Response{{StatusCode: http.StatusOK, Body: body}}}
	_, err := klap.NewHandshaker(stub, testCreds, klap.WithRandom(bytes.NewReader(local))).Handshake(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindMalformed, errors.KindOf(err))
}

func TestHandshake2Rejected(t *testing.T) {
	local := bytes.Repeat([]byte{0x01}, klap.SeedSize)
	remote := bytes.Repeat([]byte{0x02}, klap.SeedSize)
	auth := klap.AuthHash(testCreds)
	body := append(append([]byte(nil), remote...), klap.Handshake1Proof(local, remote, auth)...)

	stub := &stubTransport{responses: []*klap.Response{
		{StatusCode: http.StatusOK, Body: body, Cookie: "TP_SESSIONID=abc"},
		{StatusCode: http.StatusForbidden},
	}}
	_, err := klap.NewHandshaker(stub, testCreds, klap.WithRandom(bytes.NewReader(local))).Handshake(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindAuthentication, errors.KindOf(err))

	require.Len(t, stub.requests, 2)
	assert.Equal(t, "TP_SESSIONID=abc", stub.requests[1].Cookie)
	assert.Equal(t, klap.Handshake2Proof(local, remote, auth), stub.requests[1].Body)
}

func TestSessionFresh(t *testing.T) {
	device := newTestDevice(klaptest.Config{SessionTimeout: 20 * time.Minute})
	created := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	session, err := klap.NewHandshaker(device, testCreds, klap.WithClock(func() time.Time { return created })).Handshake(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name  string
		after time.Duration
		ttl   time.Duration
		want  bool
	}{
		{"just created", 0, 10 * time.Minute, true},
		{"within ttl", 9 * time.Minute, 10 * time.Minute, true},
		{"ttl reached", 10 * time.Minute, 10 * time.Minute, false},
		{"no ttl before device expiry", 19 * time.Minute, 0, true},
		{"device expiry reached", 20 * time.Minute, 0, false},
		{"device expiry beats long ttl", 25 * time.Minute, time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, session.Fresh(created.Add(tt.after), tt.ttl))
		})
	}

	assert.Equal(t, 5*time.Minute, session.Age(created.Add(5*time.Minute)))
}

func TestChannelSend(t *testing.T) {
	device := newTestDevice(klaptest.Config{})
	session, err := klap.NewHandshaker(device, testCreds).Handshake(context.Background())
	require.NoError(t, err)

	ch := klap.NewChannel(device, session)
	assert.Same(t, session, ch.Session())

	result, err := ch.Send(context.Background(), "get_device_info", nil)
	require.NoError(t, err)

	var info struct {
		DeviceID string `json:"device_id"`
		Model    string `json:"model"`
		FwVer    string `json:"fw_ver"`
	}
	require.NoError(t, json.Unmarshal(result, &info))
	assert.Equal(t, "8022AABB", info.DeviceID)
	assert.Equal(t, "P304M", info.Model)
	assert.Equal(t, "1.2.0", info.FwVer)

	assert.Equal(t, int64(1), session.SequenceNumber())
	assert.Equal(t, []string{"get_device_info"}, device.Methods())
}

func TestChannelSequenceAdvancesOnFailure(t *testing.T) {
	device := newTestDevice(klaptest.Config{})
	session, err := klap.NewHandshaker(device, testCreds).Handshake(context.Background())
	require.NoError(t, err)
	ch := klap.NewChannel(device, session)

	_, err = ch.Send(context.Background(), "get_device_info", nil)
	require.NoError(t, err)

	device.SetFailure(fmt.Errorf("connection reset"))
	_, err = ch.Send(context.Background(), "get_device_info", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindTransport, errors.KindOf(err))
	assert.Equal(t, int64(2), session.SequenceNumber())

	_, err = ch.Send(context.Background(), "unknown_method", nil)
	require.Error(t, err)
	assert.Equal(t, int64(3), session.SequenceNumber())

	device.SetFailure(nil)
	_, err = ch.Send(context.Background(), "get_device_info", nil)
	require.NoError(t, err, "device accepts a sequence gap after failed requests")
	assert.Equal(t, int64(4), session.SequenceNumber())
}

func TestChannelErrorCodes(t *testing.T) {
	tests := []struct {
		name     string
		cfg      klaptest.Config
		method   string
		wantKind errors.Kind
		wantCode int
	}{
		{"session timeout code", klaptest.Config{AlwaysExpire: true}, "get_device_info", errors.KindSessionExpired, 0},
		{"session rejected by status", klaptest.Config{AlwaysExpire: true, ExpireWithStatus: true}, "get_device_info", errors.KindSessionExpired, 0},
		{"unsupported method", klaptest.Config{}, "set_device_info", errors.KindApplication, klaptest.ErrorCodeUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device := newTestDevice(tt.cfg)
			session, err := klap.NewHandshaker(device, testCreds).Handshake(context.Background())
			require.NoError(t, err)

			_, err = klap.NewChannel(device, session).Send(context.Background(), tt.method, nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errors.KindOf(err))

			if tt.wantCode != 0 {
				var de *errors.DeviceError
				require.ErrorAs(t, err, &de)
				assert.Equal(t, tt.wantCode, de.Code)
			}
		})
	}
}

// cannedDevice answers requests with fixed plaintext encrypted for the
// request's sequence number.
type cannedDevice struct {
	keys      klap.KeyMaterial
	status    int
	plaintext []byte
	raw       []byte
}

func (c *cannedDevice) Exchange(_ context.Context, req *klap.Request) (*klap.Response, error) {
	if c.raw != nil {
		return &klap.Response{StatusCode: c.status, Body: c.raw}, nil
	}
	var seq int32
	_, _ = fmt.Sscan(req.Query.Get("seq"), &seq)
	body, err := c.keys.Encrypt(seq, c.plaintext)
	if err != nil {
		return nil, err
	}
	return &klap.Response{StatusCode: c.status, Body: body}, nil
}

func TestChannelMalformedResponses(t *testing.T) {
	device := newTestDevice(klaptest.Config{})
	session, err := klap.NewHandshaker(device, testCreds).Handshake(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name     string
		device   *cannedDevice
		wantKind errors.Kind
	}{
		{"invalid credentials code", &cannedDevice{status: http.StatusOK, plaintext: []byte(`{"error_code":-1501}`)}, errors.KindAuthentication},
		{"not json", &cannedDevice{status: http.StatusOK, plaintext: []byte(`not json`)}, errors.KindMalformed},
		{"no error code", &cannedDevice{status: http.StatusOK, plaintext: []byte(`{"result":{}}`)}, errors.KindMalformed},
		{"garbage body", &cannedDevice{status: http.StatusOK, raw: bytes.Repeat([]byte{0x01}, klap.SignatureSize+15)}, errors.KindDecryption},
		{"short body", &cannedDevice{status: http.StatusOK, raw: []byte{0x01}}, errors.KindDecryption},
		{"server error", &cannedDevice{status: http.StatusInternalServerError, raw: []byte{}}, errors.KindTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.device.keys = session.Keys()
			_, err := klap.NewChannel(tt.device, session).Send(context.Background(), "get_device_info", nil)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, errors.KindOf(err))
		})
	}
}
