package server

import (
	"encoding/json"
	"net/http"

	"github.com/gormanb/roborock-bridge/internal/engine"
)

type deviceView struct {
	DUID     string `json:"duid"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Healthy  bool   `json:"healthy"`
	State    int    `json:"state,omitempty"`
	Battery  int    `json:"battery,omitempty"`
	FanPower int    `json:"fan_power,omitempty"`
	Cleaning bool   `json:"cleaning,omitempty"`
	Charging bool   `json:"charging,omitempty"`
}

// DevicesHandler serves the registered devices and their last snapshots
// as JSON. Reads in-memory state only.
func DevicesHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		handles := eng.Devices()
		views := make([]deviceView, 0, len(handles))
		for _, h := range handles {
			snapshot, healthy := h.Snapshot()
			view := deviceView{
				DUID:    h.Device.DUID,
				Name:    h.Device.Name,
				Model:   h.Product.Model,
				Healthy: healthy,
			}
			if healthy {
				view.State = snapshot.State
				view.Battery = snapshot.Battery
				view.FanPower = snapshot.FanPower
				view.Cleaning = snapshot.IsCleaning
				view.Charging = snapshot.IsCharging
			}
			views = append(views, view)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(views)
	})
}
