package main

import (
	"encoding/json"
	"net/http"

	"github.com/rickgao/market-dashboard/internal/config"
	"github.com/rickgao/market-dashboard/internal/fanout"
	"github.com/rickgao/market-dashboard/internal/metrics"
	"github.com/rickgao/market-dashboard/internal/recorder"
	"github.com/rickgao/market-dashboard/internal/transport"
	"github.com/rickgao/market-dashboard/internal/version"
)

// newHandler serves health, metrics and widget snapshots. rec may be nil.
func newHandler(cfg *config.DashboardConfig, hub *fanout.Hub, w *dashboardWidgets, rec *recorder.Recorder) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(cfg.Metrics.Path, metrics.Handler())

	mux.HandleFunc("GET /health", func(rw http.ResponseWriter, r *http.Request) {
		health := struct {
			Status     string                 `json:"status"`
			Version    string                 `json:"version"`
			Instance   string                 `json:"instance"`
			Feeds      []fanout.Stats         `json:"feeds"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Version:    version.String(),
			Instance:   cfg.Instance.ID,
			Feeds:      []fanout.Stats{},
			Components: make(map[string]interface{}),
		}

		for _, reg := range hub.Registries() {
			st := reg.Stats()
			health.Feeds = append(health.Feeds, st)
			if reg.State() != transport.StateOpen {
				health.Status = "degraded"
			}
		}
		if rec != nil {
			health.Components["recorder"] = rec.Stats()
		}

		writeJSON(rw, health)
	})

	mux.HandleFunc("GET /widgets/table", func(rw http.ResponseWriter, r *http.Request) {
		if w.table == nil {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, w.table.Snapshot())
	})
	mux.HandleFunc("GET /widgets/volume", func(rw http.ResponseWriter, r *http.Request) {
		if w.volume == nil {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, w.volume.Snapshot())
	})
	mux.HandleFunc("GET /widgets/candles", func(rw http.ResponseWriter, r *http.Request) {
		if w.candles == nil {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, w.candles.Snapshot())
	})
	mux.HandleFunc("GET /widgets/indicators", func(rw http.ResponseWriter, r *http.Request) {
		if w.indicators == nil {
			http.NotFound(rw, r)
			return
		}
		writeJSON(rw, w.indicators.Snapshot())
	})

	return mux
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(v)
}
