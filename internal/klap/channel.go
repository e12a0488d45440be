package klap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
)

// Device error codes with protocol meaning.
const (
	ErrorCodeSuccess            = 0
	ErrorCodeSessionTimeout     = 9999
	ErrorCodeInvalidCredentials = -1501
)

// Channel sends encrypted commands on one session. A channel must not be
// used for concurrent sends: the device requires strictly ordered sequence
// numbers.
type Channel struct {
	transport Transport
	session   *Session
	now       func() time.Time
}

// NewChannel binds a channel to session.
func NewChannel(transport Transport, session *Session) *Channel {
	return &Channel{
		transport: transport,
		session:   session,
		now:       time.Now,
	}
}

// Session returns the session the channel is bound to.
func (c *Channel) Session() *Session {
	return c.session
}

type requestEnvelope struct {
	Method          string `json:"method"`
	Params          any    `json:"params,omitempty"`
	RequestTimeMils int64  `json:"requestTimeMils"`
}

type responseEnvelope struct {
	ErrorCode *int            `json:"error_code"`
	Result    json.RawMessage `json:"result"`
}

// Send issues method with params and returns the decrypted "result" member.
// The session's sequence number advances exactly once per call, whether or
// not the exchange succeeds.
func (c *Channel) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	seq := c.session.nextSeq()

	payload, err := json.Marshal(requestEnvelope{
		Method:          method,
		Params:          params,
		RequestTimeMils: c.now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to encode request: %w", method, err)
	}

	body, err := c.session.keys.Encrypt(seq, payload)
	if err != nil {
		return nil, errors.NewDeviceError(errors.KindDecryption, method, err)
	}

	resp, err := c.transport.Exchange(ctx, &Request{
		Path:   PathRequest,
		Query:  url.Values{"seq": []string{strconv.FormatInt(int64(seq), 10)}},
		Cookie: c.session.cookie,
		Body:   body,
	})
	if err != nil {
		return nil, asDeviceError(errors.KindTransport, method, err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.NewDeviceError(errors.KindSessionExpired, method,
			fmt.Errorf("device rejected session with status %d", resp.StatusCode))
	default:
		return nil, errors.NewDeviceError(errors.KindTransport, method,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	plaintext, err := c.session.keys.Decrypt(seq, resp.Body)
	if err != nil {
		return nil, errors.NewDeviceError(errors.KindDecryption, method, err)
	}

	var env responseEnvelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, errors.NewDeviceError(errors.KindMalformed, method, fmt.Errorf("failed to decode envelope: %w", err))
	}
	if env.ErrorCode == nil {
		return nil, errors.NewDeviceError(errors.KindMalformed, method, fmt.Errorf("envelope has no error_code"))
	}

	switch code := *env.ErrorCode; code {
	case ErrorCodeSuccess:
		return env.Result, nil
	case ErrorCodeSessionTimeout:
		return nil, errors.NewDeviceError(errors.KindSessionExpired, method, fmt.Errorf("device reported session timeout"))
	case ErrorCodeInvalidCredentials:
		return nil, errors.NewDeviceError(errors.KindAuthentication, method, fmt.Errorf("device reported invalid credentials"))
	default:
		return nil, errors.NewApplicationError(method, code)
	}
}
