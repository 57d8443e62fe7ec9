// Package server exposes the bridge's HTTP surface: liveness, status,
// Prometheus metrics, and on-demand camera snapshots.
package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"pikbridge/internal/coordinator"
	"pikbridge/internal/pik"
)

// NewMux wires all handlers onto one router.
func NewMux(client *pik.Client, registry *prometheus.Registry, feeds []coordinator.Refresher) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler)
	mux.Handle("/status", StatusHandler(client, feeds))
	mux.Handle("/metrics", MetricsHandler(registry))
	mux.Handle("GET /snapshot/{kind}/{id}", SnapshotHandler(client))
	return mux
}
