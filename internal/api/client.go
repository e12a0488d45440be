// Package api translates high-level device queries into Tapo commands sent
// over an encrypted channel and decodes the results into the device model.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wjam/p304m-prometheus-exporter/internal/errors"
	"github.com/wjam/p304m-prometheus-exporter/internal/types"
	"github.com/wjam/p304m-prometheus-exporter/pkg/device"
)

// Device methods used by the exporter.
const (
	MethodGetDeviceInfo      = "get_device_info"
	MethodGetChildDeviceList = "get_child_device_list"
	MethodGetCurrentPower    = "get_current_power"
	MethodControlChild       = "control_child"
	MethodMultipleRequest    = "multipleRequest"
)

// maxChildPages bounds paging through get_child_device_list.
const maxChildPages = types.MaxOutlets

// errNoChildList marks a device that rejected the first child list request.
var errNoChildList = stderrors.New("device does not list child outlets")

// Requester sends one command and returns its decrypted result. *klap.Channel
// implements it.
type Requester interface {
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Capabilities describe what the connected device supports. They are resolved
// by the first successful GetOutletStatus and kept for the client's lifetime.
type Capabilities struct {
	Resolved bool

	// Strip is false for single plugs that have no child outlets.
	Strip bool

	// ReportsOnState is true when child entries carry device_on.
	ReportsOnState bool
}

// Client issues device commands. It holds no session state; every call
// receives the Requester to use.
type Client struct {
	mu   sync.Mutex
	caps Capabilities
}

// NewClient creates a client with unresolved capabilities.
func NewClient() *Client {
	return &Client{}
}

// Capabilities returns the resolved device capabilities.
func (c *Client) Capabilities() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

type deviceInfoResult struct {
	DeviceID string `json:"device_id"`
	Model    string `json:"model"`
	FwVer    string `json:"fw_ver"`
	HwVer    string `json:"hw_ver"`
	MAC      string `json:"mac"`
	Nickname string `json:"nickname"`
}

// GetDeviceInfo reads the strip's identity.
func (c *Client) GetDeviceInfo(ctx context.Context, r Requester) (device.Identity, error) {
	raw, err := r.Send(ctx, MethodGetDeviceInfo, nil)
	if err != nil {
		return device.Identity{}, err
	}

	var info deviceInfoResult
	if err := decodeResult(MethodGetDeviceInfo, raw, &info); err != nil {
		return device.Identity{}, err
	}

	id, err := types.NewDeviceID(info.DeviceID)
	if err != nil {
		return device.Identity{}, parseError(MethodGetDeviceInfo, err)
	}

	nickname, err := types.DecodeNickname(info.Nickname)
	if err != nil {
		return device.Identity{}, parseError(MethodGetDeviceInfo, err)
	}

	return device.Identity{
		DeviceID: id,
		Model:    info.Model,
		Firmware: info.FwVer,
		Hardware: info.HwVer,
		MAC:      info.MAC,
		Nickname: nickname,
	}, nil
}

// GetOutletStatus reads every outlet's power draw, ordered by position.
func (c *Client) GetOutletStatus(ctx context.Context, r Requester) ([]device.OutletReading, error) {
	caps := c.Capabilities()

	if caps.Resolved && !caps.Strip {
		return c.singleOutlet(ctx, r)
	}

	children, err := c.childList(ctx, r)
	if err != nil {
		if !caps.Resolved && stderrors.Is(err, errNoChildList) {
			slog.Info("device has no child outlets, reading it as a single plug", "error", err)
			readings, err := c.singleOutlet(ctx, r)
			if err != nil {
				return nil, err
			}
			c.resolve(Capabilities{Resolved: true, Strip: false})
			return readings, nil
		}
		return nil, err
	}

	reportsOn := caps.ReportsOnState
	if !caps.Resolved {
		reportsOn = len(children) > 0
		for _, ch := range children {
			if ch.DeviceOn == nil {
				reportsOn = false
			}
		}
	}

	readings := make([]device.OutletReading, 0, len(children))
	for _, ch := range children {
		watts, err := c.childPower(ctx, r, ch.DeviceID)
		if err != nil {
			return nil, err
		}

		reading := device.OutletReading{
			Index:    ch.index,
			DeviceID: types.DeviceID(ch.DeviceID),
			Nickname: ch.nickname,
			Watts:    watts,
		}
		if reportsOn && ch.DeviceOn != nil {
			on := *ch.DeviceOn
			reading.On = &on
		}
		readings = append(readings, reading)
	}

	if !caps.Resolved {
		c.resolve(Capabilities{Resolved: true, Strip: true, ReportsOnState: reportsOn})
		slog.Debug("resolved device capabilities", "outlets", len(readings), "reports_on_state", reportsOn)
	}

	return readings, nil
}

func (c *Client) resolve(caps Capabilities) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps = caps
}

type childEntry struct {
	DeviceID string `json:"device_id"`
	Nickname string `json:"nickname"`
	Position *int   `json:"position"`
	DeviceOn *bool  `json:"device_on"`

	index    types.OutletIndex
	nickname types.Nickname
}

type childListResult struct {
	Children   []childEntry `json:"child_device_list"`
	StartIndex int          `json:"start_index"`
	Sum        *int         `json:"sum"`
}

type childListParams struct {
	StartIndex int `json:"start_index"`
}

// childList pages through get_child_device_list until sum children are read.
func (c *Client) childList(ctx context.Context, r Requester) ([]childEntry, error) {
	var children []childEntry
	seen := make(map[types.OutletIndex]bool)

	for page := 0; page < maxChildPages; page++ {
		raw, err := r.Send(ctx, MethodGetChildDeviceList, childListParams{StartIndex: len(children)})
		if err != nil {
			if page == 0 && errors.IsKind(err, errors.KindApplication) {
				return nil, fmt.Errorf("%w: %w", errNoChildList, err)
			}
			return nil, err
		}

		var result childListResult
		if err := decodeResult(MethodGetChildDeviceList, raw, &result); err != nil {
			return nil, err
		}
		if result.Sum == nil {
			return nil, parseError(MethodGetChildDeviceList, fmt.Errorf("missing sum"))
		}

		for _, ch := range result.Children {
			if err := ch.decode(); err != nil {
				return nil, parseError(MethodGetChildDeviceList, err)
			}
			if seen[ch.index] {
				return nil, parseError(MethodGetChildDeviceList, fmt.Errorf("duplicate outlet position %d", ch.index))
			}
			seen[ch.index] = true
			children = append(children, ch)
		}

		if len(children) >= *result.Sum || len(result.Children) == 0 {
			if len(children) < *result.Sum {
				return nil, parseError(MethodGetChildDeviceList,
					fmt.Errorf("device reported %d children but listed %d", *result.Sum, len(children)))
			}
			sort.Slice(children, func(i, j int) bool { return children[i].index < children[j].index })
			return children, nil
		}
	}

	return nil, parseError(MethodGetChildDeviceList, fmt.Errorf("child list did not complete within %d pages", maxChildPages))
}

func (ch *childEntry) decode() error {
	if ch.DeviceID == "" {
		return fmt.Errorf("child entry without device_id")
	}
	if ch.Position == nil {
		return fmt.Errorf("child %s has no position", ch.DeviceID)
	}
	idx, err := types.NewOutletIndex(*ch.Position)
	if err != nil {
		return err
	}
	nickname, err := types.DecodeNickname(ch.Nickname)
	if err != nil {
		return err
	}
	ch.index = idx
	ch.nickname = nickname
	return nil
}

type controlChildParams struct {
	DeviceID    string              `json:"device_id"`
	RequestData multipleRequestBody `json:"requestData"`
}

type multipleRequestBody struct {
	Method string `json:"method"`
	Params struct {
		Requests []subRequest `json:"requests"`
	} `json:"params"`
}

type subRequest struct {
	Method string `json:"method"`
}

type controlChildResult struct {
	ResponseData *struct {
		Result *struct {
			Responses []struct {
				Method    string          `json:"method"`
				ErrorCode int             `json:"error_code"`
				Result    json.RawMessage `json:"result"`
			} `json:"responses"`
		} `json:"result"`
	} `json:"responseData"`
}

type currentPowerResult struct {
	CurrentPower *float64 `json:"current_power"`
}

func newPowerRequest(childID string) controlChildParams {
	p := controlChildParams{DeviceID: childID}
	p.RequestData.Method = MethodMultipleRequest
	p.RequestData.Params.Requests = []subRequest{{Method: MethodGetCurrentPower}}
	return p
}

// childPower wraps get_current_power in control_child for one outlet.
func (c *Client) childPower(ctx context.Context, r Requester, childID string) (float64, error) {
	raw, err := r.Send(ctx, MethodControlChild, newPowerRequest(childID))
	if err != nil {
		return 0, err
	}

	var result controlChildResult
	if err := decodeResult(MethodControlChild, raw, &result); err != nil {
		return 0, err
	}
	if result.ResponseData == nil || result.ResponseData.Result == nil || len(result.ResponseData.Result.Responses) == 0 {
		return 0, parseError(MethodControlChild, fmt.Errorf("no responses for child %s", childID))
	}

	resp := result.ResponseData.Result.Responses[0]
	if resp.ErrorCode != 0 {
		return 0, errors.NewApplicationError(MethodGetCurrentPower, resp.ErrorCode)
	}

	return decodePower(MethodControlChild, resp.Result)
}

func (c *Client) singleOutlet(ctx context.Context, r Requester) ([]device.OutletReading, error) {
	raw, err := r.Send(ctx, MethodGetCurrentPower, nil)
	if err != nil {
		return nil, err
	}
	watts, err := decodePower(MethodGetCurrentPower, raw)
	if err != nil {
		return nil, err
	}
	return []device.OutletReading{{Index: 1, Watts: watts}}, nil
}

func decodePower(op string, raw json.RawMessage) (float64, error) {
	var p currentPowerResult
	if err := decodeResult(op, raw, &p); err != nil {
		return 0, err
	}
	if p.CurrentPower == nil {
		return 0, parseError(op, fmt.Errorf("missing current_power"))
	}
	if *p.CurrentPower < 0 {
		return 0, parseError(op, fmt.Errorf("negative current_power %v", *p.CurrentPower))
	}
	return *p.CurrentPower, nil
}

func decodeResult(op string, raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return parseError(op, fmt.Errorf("empty result"))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return parseError(op, err)
	}
	return nil
}

func parseError(op string, err error) error {
	var de *errors.DeviceError
	if stderrors.As(err, &de) {
		return err
	}
	return errors.NewDeviceError(errors.KindParse, op, err)
}
