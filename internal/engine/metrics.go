package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gormanb/roborock-bridge/internal/roborock"
)

// MetricsCollector exposes the engine's registered devices and their
// last snapshots. It reads in-memory state only; a scrape never triggers
// device traffic.
type MetricsCollector struct {
	engine *Engine

	registered  prometheus.Gauge
	pollHealthy *prometheus.GaugeVec
	battery     *prometheus.GaugeVec
	state       *prometheus.GaugeVec
	fanPower    *prometheus.GaugeVec
	cleaning    *prometheus.GaugeVec
	charging    *prometheus.GaugeVec
	lowBattery  *prometheus.GaugeVec
}

func NewMetricsCollector(engine *Engine) *MetricsCollector {
	labels := []string{"device_id", "device_name", "model"}
	stateLabels := []string{"device_id", "device_name", "model", "state"}
	return &MetricsCollector{
		engine: engine,
		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rrbridge_devices_registered",
			Help: "Number of devices with a live client and synchronizer",
		}),
		pollHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_poll_healthy",
			Help: "Whether the most recent poll succeeded (1=ok, 0=unknown state)",
		}, labels),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_battery_percent",
			Help: "Battery percentage (0-100)",
		}, labels),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_state",
			Help: "Vacuum state code (label carries the vendor name)",
		}, stateLabels),
		fanPower: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_fan_power",
			Help: "Fan power level",
		}, labels),
		cleaning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_is_cleaning",
			Help: "Whether the vacuum is cleaning (1/0)",
		}, labels),
		charging: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_is_charging",
			Help: "Whether the vacuum is charging (1/0)",
		}, labels),
		lowBattery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "rrbridge_is_low_battery",
			Help: "Whether the battery is at or below the low threshold (1/0)",
		}, labels),
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	c.registered.Describe(ch)
	c.pollHealthy.Describe(ch)
	c.battery.Describe(ch)
	c.state.Describe(ch)
	c.fanPower.Describe(ch)
	c.cleaning.Describe(ch)
	c.charging.Describe(ch)
	c.lowBattery.Describe(ch)
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	devices := c.engine.Devices()
	c.registered.Set(float64(len(devices)))

	c.pollHealthy.Reset()
	c.battery.Reset()
	c.state.Reset()
	c.fanPower.Reset()
	c.cleaning.Reset()
	c.charging.Reset()
	c.lowBattery.Reset()

	for _, handle := range devices {
		snapshot, healthy := handle.Snapshot()
		id, name, model := handle.Device.DUID, handle.Device.Name, handle.Product.Model

		c.pollHealthy.WithLabelValues(id, name, model).Set(boolGauge(healthy))
		if !healthy {
			continue
		}
		c.battery.WithLabelValues(id, name, model).Set(float64(snapshot.Battery))
		c.state.WithLabelValues(id, name, model, roborock.StateName(snapshot.State)).Set(float64(snapshot.State))
		c.fanPower.WithLabelValues(id, name, model).Set(float64(snapshot.FanPower))
		c.cleaning.WithLabelValues(id, name, model).Set(boolGauge(snapshot.IsCleaning))
		c.charging.WithLabelValues(id, name, model).Set(boolGauge(snapshot.IsCharging))
		c.lowBattery.WithLabelValues(id, name, model).Set(boolGauge(snapshot.IsLowBattery))
	}

	c.registered.Collect(ch)
	c.pollHealthy.Collect(ch)
	c.battery.Collect(ch)
	c.state.Collect(ch)
	c.fanPower.Collect(ch)
	c.cleaning.Collect(ch)
	c.charging.Collect(ch)
	c.lowBattery.Collect(ch)
}

func boolGauge(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
