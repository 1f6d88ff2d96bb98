package engine

import "github.com/gormanb/roborock-bridge/internal/roborock"

// DefaultLowBatteryThreshold is the battery percentage at or below which
// a snapshot reports low battery.
const DefaultLowBatteryThreshold = 15

// VacuumSnapshot is the complete last-observed state of one device: the
// raw polled fields plus the booleans derived from them. The zero value
// means "unknown". Snapshots are replaced wholesale, never mutated.
type VacuumSnapshot struct {
	State        int
	Battery      int
	FanPower     int
	IsCleaning   bool
	IsCharging   bool
	IsLowBattery bool
}

// SnapshotFromStatus derives a full snapshot from a polled status.
func SnapshotFromStatus(status roborock.DeviceStatus, lowBatteryThreshold int) VacuumSnapshot {
	if lowBatteryThreshold <= 0 {
		lowBatteryThreshold = DefaultLowBatteryThreshold
	}
	return VacuumSnapshot{
		State:        status.State,
		Battery:      status.Battery,
		FanPower:     status.FanPower,
		IsCleaning:   status.State == roborock.StateCleaning,
		IsCharging:   status.State == roborock.StateCharging,
		IsLowBattery: status.Battery <= lowBatteryThreshold,
	}
}
