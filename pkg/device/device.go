// Package device provides the data model for readings taken from a Tapo power strip.
package device

import (
	"fmt"
	"time"

	"github.com/wjam/p304m-prometheus-exporter/internal/types"
)

// Identity describes the strip itself as reported by get_device_info.
type Identity struct {
	DeviceID types.DeviceID `json:"deviceId"`
	Model    string         `json:"model"`
	Firmware string         `json:"firmwareVersion"`
	Hardware string         `json:"hardwareVersion"`
	MAC      string         `json:"mac"`
	Nickname types.Nickname `json:"nickname"`
}

// OutletReading is the state of one outlet at collection time.
type OutletReading struct {
	Index    types.OutletIndex `json:"index"`
	DeviceID types.DeviceID    `json:"deviceId"`
	Nickname types.Nickname    `json:"nickname"`
	Watts    float64           `json:"watts"`

	// On is nil when the device does not report the relay state.
	On *bool `json:"on,omitempty"`
}

// Snapshot is one complete, successful collection. It is never modified after
// construction; consumers share the same pointer.
type Snapshot struct {
	Identity    Identity        `json:"identity"`
	Outlets     []OutletReading `json:"outlets"`
	CollectedAt time.Time       `json:"collectedAt"`
}

// NewSnapshot builds a snapshot and validates it.
func NewSnapshot(identity Identity, outlets []OutletReading, collectedAt time.Time) (*Snapshot, error) {
	s := &Snapshot{
		Identity:    identity,
		Outlets:     append([]OutletReading(nil), outlets...),
		CollectedAt: collectedAt,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks identity fields and that outlets are ordered by unique,
// valid positions with non-negative draw.
func (s Snapshot) Validate() error {
	if !s.Identity.DeviceID.IsValid() {
		return types.ErrInvalidDeviceID
	}
	var last types.OutletIndex
	for _, o := range s.Outlets {
		if !o.Index.IsValid() {
			return fmt.Errorf("%w: %d", types.ErrInvalidOutletIndex, o.Index)
		}
		if o.Index <= last {
			return fmt.Errorf("outlets not ordered by position at %d", o.Index)
		}
		if o.Watts < 0 {
			return fmt.Errorf("negative power reading on outlet %d: %v", o.Index, o.Watts)
		}
		last = o.Index
	}
	return nil
}

// TotalWatts sums the draw across all outlets.
func (s Snapshot) TotalWatts() float64 {
	var total float64
	for _, o := range s.Outlets {
		total += o.Watts
	}
	return total
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.CollectedAt)
}
