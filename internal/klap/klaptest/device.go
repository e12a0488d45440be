// Package klaptest provides an in-process simulated Tapo device that speaks
// the server side of KLAP. It implements klap.Transport so it can replace the
// HTTP transport in tests of the protocol client, command layer and scheduler.
package klaptest

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/klap"
)

// ErrorCodeUnsupported is returned for methods the simulated device does not implement.
const ErrorCodeUnsupported = -1002

// Identity is the device information reported by get_device_info.
type Identity struct {
	DeviceID string
	Model    string
	Firmware string
	Hardware string
	MAC      string
	Nickname string
}

// Outlet is one child socket of a simulated strip.
type Outlet struct {
	DeviceID string
	Nickname string
	Position int
	Watts    float64
	On       bool
}

// Config controls the simulated device's behavior.
type Config struct {
	Identity Identity
	Outlets  []Outlet

	// SingleOutlet makes the device behave like a plug without children:
	// get_child_device_list is unsupported and get_current_power reports
	// the first outlet's draw.
	SingleOutlet bool

	// OmitOnState leaves device_on out of child entries.
	OmitOnState bool

	// ChildPageSize limits children per get_child_device_list page (default 10).
	ChildPageSize int

	// RejectHandshake makes handshake1 return a proof for other credentials.
	RejectHandshake bool

	// ExpireOnRequest makes the Nth request (1-based, counted over the
	// device's lifetime) fail with a session timeout and drop the session.
	ExpireOnRequest int

	// ExpireWithStatus reports expiry as HTTP 403 instead of error code 9999.
	ExpireWithStatus bool

	// AlwaysExpire rejects every request with a session timeout.
	AlwaysExpire bool

	// SessionTimeout is advertised in the session cookie (default 86400s).
	SessionTimeout time.Duration

	// Latency delays every exchange.
	Latency time.Duration
}

type serverSession struct {
	localSeed  []byte
	remoteSeed []byte
	keys       klap.KeyMaterial
	confirmed  bool
	lastSeq    int32
	requests   int
}

// Device is a simulated Tapo device.
type Device struct {
	mu       sync.Mutex
	cfg      Config
	authHash []byte

	sessions    map[string]*serverSession
	nextSession int
	seedCounter uint64

	failure error

	handshake1Count int
	handshakeCount  int
	requestCount    int
	methods         []string
	inFlight        int
	maxInFlight     int
}

// NewDevice creates a simulated device accepting creds.
func NewDevice(creds klap.Credentials, cfg Config) *Device {
	if cfg.ChildPageSize <= 0 {
		cfg.ChildPageSize = 10
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 86400 * time.Second
	}
	return &Device{
		cfg:      cfg,
		authHash: klap.AuthHash(creds),
		sessions: make(map[string]*serverSession),
	}
}

// SetFailure makes every following exchange fail with err (nil to recover).
func (d *Device) SetFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failure = err
}

// SetWatts updates the draw reported for the outlet at position.
func (d *Device) SetWatts(position int, watts float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.cfg.Outlets {
		if d.cfg.Outlets[i].Position == position {
			d.cfg.Outlets[i].Watts = watts
		}
	}
}

// ExpireSessions drops every session, as the device does after its own timeout.
func (d *Device) ExpireSessions() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions = make(map[string]*serverSession)
}

// Handshakes returns the number of completed handshakes (handshake2 accepted).
func (d *Device) Handshakes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshakeCount
}

// Handshake1Attempts returns the number of handshake1 exchanges received.
func (d *Device) Handshake1Attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshake1Count
}

// Requests returns the number of encrypted requests received.
func (d *Device) Requests() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestCount
}

// Methods returns the methods of all decrypted requests in arrival order.
func (d *Device) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.methods...)
}

// MaxInFlight returns the highest number of concurrent exchanges observed.
func (d *Device) MaxInFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.maxInFlight
}

// Exchange implements klap.Transport.
func (d *Device) Exchange(ctx context.Context, req *klap.Request) (*klap.Response, error) {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	latency := d.cfg.Latency
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inFlight--
		d.mu.Unlock()
	}()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failure != nil {
		return nil, d.failure
	}

	switch req.Path {
	case klap.PathHandshake1:
		return d.handshake1(req), nil
	case klap.PathHandshake2:
		return d.handshake2(req), nil
	case klap.PathRequest:
		return d.request(req), nil
	default:
		return &klap.Response{StatusCode: http.StatusNotFound}, nil
	}
}

func (d *Device) handshake1(req *klap.Request) *klap.Response {
	d.handshake1Count++
	if len(req.Body) != klap.SeedSize {
		return &klap.Response{StatusCode: http.StatusBadRequest}
	}

	remote := d.nextSeed()
	authHash := d.authHash
	if d.cfg.RejectHandshake {
		authHash = klap.AuthHash(klap.Credentials{Username: "someone-else", Password: "wrong"})
	}

	d.nextSession++
	id := fmt.Sprintf("%032X", d.nextSession)
	d.sessions[id] = &serverSession{
		localSeed:  append([]byte(nil), req.Body...),
		remoteSeed: remote,
	}

	body := append(append([]byte(nil), remote...), klap.Handshake1Proof(req.Body, remote, authHash)...)
	return &klap.Response{
		StatusCode:    http.StatusOK,
		Body:          body,
		Cookie:        "TP_SESSIONID=" + id,
		CookieTimeout: d.cfg.SessionTimeout,
	}
}

func (d *Device) handshake2(req *klap.Request) *klap.Response {
	s, ok := d.sessions[sessionID(req.Cookie)]
	if !ok {
		return &klap.Response{StatusCode: http.StatusForbidden}
	}

	want := klap.Handshake2Proof(s.localSeed, s.remoteSeed, d.authHash)
	if string(want) != string(req.Body) {
		return &klap.Response{StatusCode: http.StatusForbidden}
	}

	s.keys = klap.DeriveSessionKey(d.authHash, s.remoteSeed, s.localSeed)
	s.lastSeq = s.keys.Seq
	s.confirmed = true
	d.handshakeCount++
	return &klap.Response{StatusCode: http.StatusOK}
}

func (d *Device) request(req *klap.Request) *klap.Response {
	d.requestCount++

	id := sessionID(req.Cookie)
	s, ok := d.sessions[id]
	if !ok || !s.confirmed {
		return &klap.Response{StatusCode: http.StatusForbidden}
	}

	seq64, err := strconv.ParseInt(req.Query.Get("seq"), 10, 32)
	if err != nil {
		return &klap.Response{StatusCode: http.StatusBadRequest}
	}
	seq := int32(seq64)

	if err := s.keys.Verify(seq, req.Body); err != nil {
		return &klap.Response{StatusCode: http.StatusBadRequest}
	}
	if seq-s.lastSeq <= 0 {
		// replayed or reordered
		return &klap.Response{StatusCode: http.StatusBadRequest}
	}
	s.lastSeq = seq
	s.requests++

	plaintext, err := s.keys.Decrypt(seq, req.Body)
	if err != nil {
		return &klap.Response{StatusCode: http.StatusBadRequest}
	}

	var env struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return &klap.Response{StatusCode: http.StatusBadRequest}
	}
	d.methods = append(d.methods, env.Method)

	if d.cfg.AlwaysExpire || (d.cfg.ExpireOnRequest > 0 && d.requestCount == d.cfg.ExpireOnRequest) {
		delete(d.sessions, id)
		if d.cfg.ExpireWithStatus {
			return &klap.Response{StatusCode: http.StatusForbidden}
		}
		return d.reply(s, seq, klap.ErrorCodeSessionTimeout, nil)
	}

	result, code := d.dispatch(env.Method, env.Params)
	return d.reply(s, seq, code, result)
}

func (d *Device) reply(s *serverSession, seq int32, code int, result any) *klap.Response {
	payload := map[string]any{"error_code": code}
	if result != nil {
		payload["result"] = result
	}
	plaintext, _ := json.Marshal(payload)
	body, err := s.keys.Encrypt(seq, plaintext)
	if err != nil {
		return &klap.Response{StatusCode: http.StatusInternalServerError}
	}
	return &klap.Response{StatusCode: http.StatusOK, Body: body}
}

func (d *Device) dispatch(method string, params json.RawMessage) (any, int) {
	switch method {
	case "get_device_info":
		return d.deviceInfo(), 0
	case "get_child_device_list":
		if d.cfg.SingleOutlet {
			return nil, ErrorCodeUnsupported
		}
		var p struct {
			StartIndex int `json:"start_index"`
		}
		_ = json.Unmarshal(params, &p)
		return d.childList(p.StartIndex), 0
	case "get_current_power":
		if !d.cfg.SingleOutlet || len(d.cfg.Outlets) == 0 {
			return nil, ErrorCodeUnsupported
		}
		return map[string]any{"current_power": d.cfg.Outlets[0].Watts}, 0
	case "control_child":
		return d.controlChild(params)
	default:
		return nil, ErrorCodeUnsupported
	}
}

func (d *Device) deviceInfo() map[string]any {
	id := d.cfg.Identity
	info := map[string]any{
		"device_id": id.DeviceID,
		"model":     id.Model,
		"fw_ver":    id.Firmware,
		"hw_ver":    id.Hardware,
		"mac":       id.MAC,
		"nickname":  base64.StdEncoding.EncodeToString([]byte(id.Nickname)),
		"type":      "SMART.TAPOPLUG",
	}
	if d.cfg.SingleOutlet && len(d.cfg.Outlets) > 0 && !d.cfg.OmitOnState {
		info["device_on"] = d.cfg.Outlets[0].On
	}
	return info
}

func (d *Device) childList(start int) map[string]any {
	children := make([]map[string]any, 0, d.cfg.ChildPageSize)
	for i := start; i < len(d.cfg.Outlets) && len(children) < d.cfg.ChildPageSize; i++ {
		o := d.cfg.Outlets[i]
		child := map[string]any{
			"device_id": o.DeviceID,
			"nickname":  base64.StdEncoding.EncodeToString([]byte(o.Nickname)),
			"position":  o.Position,
			"model":     d.cfg.Identity.Model,
		}
		if !d.cfg.OmitOnState {
			child["device_on"] = o.On
		}
		children = append(children, child)
	}
	return map[string]any{
		"child_device_list": children,
		"start_index":       start,
		"sum":               len(d.cfg.Outlets),
	}
}

func (d *Device) controlChild(params json.RawMessage) (any, int) {
	var p struct {
		DeviceID    string `json:"device_id"`
		RequestData struct {
			Method string `json:"method"`
			Params struct {
				Requests []struct {
					Method string `json:"method"`
				} `json:"requests"`
			} `json:"params"`
		} `json:"requestData"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestData.Method != "multipleRequest" {
		return nil, ErrorCodeUnsupported
	}

	var outlet *Outlet
	for i := range d.cfg.Outlets {
		if d.cfg.Outlets[i].DeviceID == p.DeviceID {
			outlet = &d.cfg.Outlets[i]
		}
	}
	if outlet == nil {
		return nil, ErrorCodeUnsupported
	}

	responses := make([]map[string]any, 0, len(p.RequestData.Params.Requests))
	for _, r := range p.RequestData.Params.Requests {
		if r.Method != "get_current_power" {
			responses = append(responses, map[string]any{"method": r.Method, "error_code": ErrorCodeUnsupported})
			continue
		}
		responses = append(responses, map[string]any{
			"method":     r.Method,
			"error_code": 0,
			"result":     map[string]any{"current_power": outlet.Watts},
		})
	}

	return map[string]any{
		"responseData": map[string]any{
			"error_code": 0,
			"result":     map[string]any{"responses": responses},
		},
	}, 0
}

// nextSeed returns a deterministic, never repeating 16-byte remote seed.
func (d *Device) nextSeed() []byte {
	d.seedCounter++
	seed := make([]byte, klap.SeedSize)
	copy(seed, "remote-seed:")
	binary.BigEndian.PutUint32(seed[12:], uint32(d.seedCounter))
	return seed
}

func sessionID(cookie string) string {
	for _, part := range strings.Split(cookie, ";") {
		if k, v, ok := strings.Cut(strings.TrimSpace(part), "="); ok && k == "TP_SESSIONID" {
			return v
		}
	}
	return ""
}
