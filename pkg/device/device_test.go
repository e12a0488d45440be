package device

import (
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func TestSnapshotValidate(t *testing.T) {
	identity := Identity{DeviceID: "8022AABB", Model: "P304M", Firmware: "1.2.0"}

	tests := []struct {
		name     string
		snapshot Snapshot
		wantErr  bool
	}{
		{
			name: "valid snapshot",
			snapshot: Snapshot{
				Identity: identity,
				Outlets: []OutletReading{
					{Index: 1, DeviceID: "a", Watts: 12.5, On: boolPtr(true)},
					{Index: 2, DeviceID: "b", Watts: 0},
					{Index: 3, DeviceID: "c", Watts: 4.2},
				},
			},
			wantErr: false,
		},
		{
			name:     "no outlets",
			snapshot: Snapshot{Identity: identity},
			wantErr:  false,
		},
		{
			name:     "missing device ID",
			snapshot: Snapshot{Identity: Identity{Model: "P304M"}},
			wantErr:  true,
		},
		{
			name: "invalid position",
			snapshot: Snapshot{
				Identity: identity,
				Outlets:  []OutletReading{{Index: 0}},
			},
			wantErr: true,
		},
		{
			name: "duplicate position",
			snapshot: Snapshot{
				Identity: identity,
				Outlets:  []OutletReading{{Index: 1}, {Index: 1}},
			},
			wantErr: true,
		},
		{
			name: "unordered",
			snapshot: Snapshot{
				Identity: identity,
				Outlets:  []OutletReading{{Index: 2}, {Index: 1}},
			},
			wantErr: true,
		},
		{
			name: "negative watts",
			snapshot: Snapshot{
				Identity: identity,
				Outlets:  []OutletReading{{Index: 1, Watts: -1}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.snapshot.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Snapshot.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewSnapshot(t *testing.T) {
	collected := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	outlets := []OutletReading{
		{Index: 1, DeviceID: "a", Nickname: "Monitor", Watts: 12.5},
		{Index: 2, DeviceID: "b", Nickname: "Lamp", Watts: 0},
		{Index: 3, DeviceID: "c", Nickname: "Router", Watts: 4.2},
	}

	snapshot, err := NewSnapshot(Identity{DeviceID: "8022AABB", Model: "P304M"}, outlets, collected)
	if err != nil {
		t.Fatalf("Failed to create snapshot: %v", err)
	}

	outlets[0].Watts = 100
	if snapshot.Outlets[0].Watts != 12.5 {
		t.Errorf("Expected snapshot to own its outlets, got %v", snapshot.Outlets[0].Watts)
	}

	if got := snapshot.TotalWatts(); got < 16.69 || got > 16.71 {
		t.Errorf("Expected total 16.7, got %v", got)
	}

	if age := snapshot.Age(collected.Add(time.Minute)); age != time.Minute {
		t.Errorf("Expected age 1m, got %v", age)
	}

	if _, err := NewSnapshot(Identity{}, nil, collected); err == nil {
		t.Errorf("Expected error for snapshot without device ID")
	}
}
