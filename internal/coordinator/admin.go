package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerStatus is one entry of the /fleet listing.
type WorkerStatus struct {
	Index  int           `json:"index"`
	Addr   string        `json:"addr"`
	PID    int           `json:"pid,omitempty"`
	Health *WorkerHealth `json:"health,omitempty"`
}

// FleetStatus is the body of GET /fleet.
type FleetStatus struct {
	Workers []WorkerStatus `json:"workers"`
	Records int            `json:"records"`
}

// AdminHandler serves the coordinator's operational endpoints:
//
//	GET /health   liveness of the coordinator itself
//	GET /fleet    worker descriptors, their last probe and the aggregate size
//	GET /metrics  Prometheus exposition from gatherer
//
// monitor may be nil when health probing is disabled.
func AdminHandler(f *Fleet, monitor *HealthMonitor, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Get("/fleet", func(w http.ResponseWriter, _ *http.Request) {
		status := FleetStatus{
			Workers: []WorkerStatus{},
			Records: len(f.Snapshot()),
		}
		for _, info := range f.Workers() {
			ws := WorkerStatus{Index: info.Index, Addr: info.Addr, PID: info.PID}
			if monitor != nil {
				ws.Health = monitor.Health(info.Index)
			}
			status.Workers = append(status.Workers, ws)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}
