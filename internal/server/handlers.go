package server

import (
	"net/http"
)

// HealthHandler answers liveness probes. It reports process health only;
// device reachability is visible through the metrics instead.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
