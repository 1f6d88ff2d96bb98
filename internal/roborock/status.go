package roborock

import (
	"fmt"
	"strconv"
)

// Vendor state codes the snapshot derivation keys on.
const (
	StateCleaning = 5
	StateCharging = 8
)

// DeviceStatus is the raw field set decoded from a get_status response.
type DeviceStatus struct {
	State     int
	Battery   int
	FanPower  int
	ErrorCode int
}

// StateName resolves a state code to the vendor's label, "unknown" when
// the code is not in the table.
func StateName(code int) string {
	if name, ok := stateNames[code]; ok {
		return name
	}
	return "unknown"
}

var stateNames = map[int]string{
	0:    "unknown",
	1:    "starting",
	2:    "charger_disconnected",
	3:    "idle",
	4:    "remote_control_active",
	5:    "cleaning",
	6:    "returning_home",
	7:    "manual_mode",
	8:    "charging",
	9:    "charging_problem",
	10:   "paused",
	11:   "spot_cleaning",
	12:   "error",
	13:   "shutting_down",
	14:   "updating",
	15:   "docking",
	16:   "going_to_target",
	17:   "zoned_cleaning",
	18:   "segment_cleaning",
	22:   "emptying_the_bin",
	23:   "washing_the_mop",
	26:   "going_to_wash_the_mop",
	28:   "in_call",
	29:   "mapping",
	100:  "charging_complete",
	101:  "device_offline",
	103:  "locked",
	6301: "robot_status_mopping",
}

// decodeStatus converts a get_status RPC result into typed fields. The
// device returns either a bare object or a single-element array of one.
func decodeStatus(result any) (DeviceStatus, error) {
	fields, ok := normalizeMap(result)
	if !ok {
		return DeviceStatus{}, fmt.Errorf("%w: malformed status payload %T", ErrCommunication, result)
	}
	return DeviceStatus{
		State:     intFrom(fields["state"]),
		Battery:   intFrom(fields["battery"]),
		FanPower:  intFrom(fields["fan_power"]),
		ErrorCode: intFrom(fields["error_code"]),
	}, nil
}

func normalizeMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case map[string]any:
		return v, true
	case []any:
		if len(v) > 0 {
			if item, ok := v[0].(map[string]any); ok {
				return item, true
			}
		}
	}
	return nil, false
}

func intFrom(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		i, _ := strconv.Atoi(t)
		return i
	default:
		return 0
	}
}
