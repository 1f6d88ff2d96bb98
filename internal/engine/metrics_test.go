package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gormanb/roborock-bridge/internal/roborock"
)

func metricsTestEngine(t *testing.T, client *fakeDeviceClient) *Engine {
	t.Helper()
	eng := New(nil, nil, Events{}, testEngineConfig(), zerolog.Nop())
	handle := &DeviceHandle{
		Device:  roborock.HomeDataDevice{DUID: "vac-v1", Name: "Vacuum"},
		Product: roborock.HomeDataProduct{Model: "roborock.vacuum.a15"},
		client:  client,
	}
	handle.sync = NewSynchronizer("vac-v1", eng.fetchFunc(client), nil, time.Hour, zerolog.Nop())
	eng.register(handle)
	return eng
}

func TestMetricsCollector(t *testing.T) {
	client := &fakeDeviceClient{status: roborock.DeviceStatus{State: 8, Battery: 12}}
	eng := metricsTestEngine(t, client)
	eng.Devices()[0].Refresh(context.Background())

	collector := NewMetricsCollector(eng)

	expected := `
# HELP rrbridge_battery_percent Battery percentage (0-100)
# TYPE rrbridge_battery_percent gauge
rrbridge_battery_percent{device_id="vac-v1",device_name="Vacuum",model="roborock.vacuum.a15"} 12
# HELP rrbridge_is_charging Whether the vacuum is charging (1/0)
# TYPE rrbridge_is_charging gauge
rrbridge_is_charging{device_id="vac-v1",device_name="Vacuum",model="roborock.vacuum.a15"} 1
# HELP rrbridge_is_low_battery Whether the battery is at or below the low threshold (1/0)
# TYPE rrbridge_is_low_battery gauge
rrbridge_is_low_battery{device_id="vac-v1",device_name="Vacuum",model="roborock.vacuum.a15"} 1
# HELP rrbridge_devices_registered Number of devices with a live client and synchronizer
# TYPE rrbridge_devices_registered gauge
rrbridge_devices_registered 1
# HELP rrbridge_state Vacuum state code (label carries the vendor name)
# TYPE rrbridge_state gauge
rrbridge_state{device_id="vac-v1",device_name="Vacuum",model="roborock.vacuum.a15",state="charging"} 8
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"rrbridge_battery_percent",
		"rrbridge_is_charging",
		"rrbridge_is_low_battery",
		"rrbridge_devices_registered",
		"rrbridge_state",
	))
}

func TestMetricsCollectorUnhealthyDevice(t *testing.T) {
	client := &fakeDeviceClient{status: roborock.DeviceStatus{State: 8, Battery: 100}}
	eng := metricsTestEngine(t, client)
	// No Refresh: the last poll state is unknown.

	collector := NewMetricsCollector(eng)

	expected := `
# HELP rrbridge_poll_healthy Whether the most recent poll succeeded (1=ok, 0=unknown state)
# TYPE rrbridge_poll_healthy gauge
rrbridge_poll_healthy{device_id="vac-v1",device_name="Vacuum",model="roborock.vacuum.a15"} 0
`
	require.NoError(t, testutil.CollectAndCompare(collector, strings.NewReader(expected),
		"rrbridge_poll_healthy",
	))

	// Snapshot-derived series are absent while the state is unknown.
	assert.Zero(t, testutil.CollectAndCount(collector, "rrbridge_battery_percent"))
}
