package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatmigrate/internal/checkpoint"
)

// ProgressSource exposes the live checkpoint of an in-flight run.
type ProgressSource interface {
	Checkpoint() checkpoint.Checkpoint
}

// Handler builds the operational surface for a run: liveness, live progress,
// and the metrics scrape endpoint, behind the request logger.
func Handler(src ProgressSource) http.Handler {
	m := http.NewServeMux()
	m.Handle("/metrics", promhttp.Handler())
	m.HandleFunc("/healthz", Healthz())
	m.HandleFunc("/status", Status(src))
	return Logging(m)
}

func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}

// Status serves the current checkpoint snapshot as JSON, so an operator can
// watch posted/total and the error list while the run is in flight.
func Status(src ProgressSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		cp := src.Checkpoint()
		if err := json.NewEncoder(w).Encode(cp); err != nil {
			http.Error(w, "encode status", http.StatusInternalServerError)
		}
	}
}
