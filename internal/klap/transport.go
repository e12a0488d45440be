package klap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
)

// Protocol endpoints below /app.
const (
	PathHandshake1 = "handshake1"
	PathHandshake2 = "handshake2"
	PathRequest    = "request"

	sessionCookieName = "TP_SESSIONID"
	timeoutCookieName = "TIMEOUT"

	maxResponseBytes = 1 << 20
)

// Request is one exchange sent to the device.
type Request struct {
	Path   string
	Query  url.Values
	Cookie string
	Body   []byte
}

// Response is the device's reply to a Request.
type Response struct {
	StatusCode int
	Body       []byte

	// Cookie is the session cookie ("TP_SESSIONID=...") set by handshake1, if any.
	Cookie string

	// CookieTimeout is the session lifetime advertised with the cookie, or 0.
	CookieTimeout time.Duration
}

// Transport carries raw KLAP exchanges to the device. Implementations must
// bound every call with a timeout and report failures as transport errors.
type Transport interface {
	Exchange(ctx context.Context, req *Request) (*Response, error)
}

// HTTPTransport talks to the device's local HTTP control port.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHTTPTransport creates a transport for the device at address (host or
// host:port, optionally with an http:// scheme).
func NewHTTPTransport(address string, timeout time.Duration) *HTTPTransport {
	base := address
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	base = strings.TrimRight(base, "/") + "/app"

	return &HTTPTransport{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		timeout: timeout,
	}
}

// Exchange posts req to the device and reads the whole response body.
func (t *HTTPTransport) Exchange(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	u := t.baseURL + "/" + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.NewDeviceError(errors.KindTransport, req.Path, fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("Accept", "*/*")
	if req.Cookie != "" {
		httpReq.Header.Set("Cookie", req.Cookie)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timeout after %v: %w", t.timeout, err)
		}
		return nil, errors.NewDeviceError(errors.KindTransport, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.NewDeviceError(errors.KindTransport, req.Path, fmt.Errorf("failed to read response: %w", err))
	}

	cookie, timeout := parseSessionCookie(resp.Header.Values("Set-Cookie"))

	return &Response{
		StatusCode:    resp.StatusCode,
		Body:          body,
		Cookie:        cookie,
		CookieTimeout: timeout,
	}, nil
}

// parseSessionCookie extracts TP_SESSIONID and its TIMEOUT attribute. The
// device sends them as "TP_SESSIONID=<id>;TIMEOUT=<seconds>", which net/http's
// cookie parser does not expose as a unit.
func parseSessionCookie(headers []string) (string, time.Duration) {
	var cookie string
	var timeout time.Duration

	for _, h := range headers {
		for _, part := range strings.Split(h, ";") {
			k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
			if !ok {
				continue
			}
			switch strings.ToUpper(k) {
			case sessionCookieName:
				cookie = sessionCookieName + "=" + v
			case timeoutCookieName:
				if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
					timeout = time.Duration(sec) * time.Second
				}
			}
		}
	}

	return cookie, timeout
}
