package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deeptree/echo-kernel/internal/connection"
	"github.com/deeptree/echo-kernel/internal/journal"
	"github.com/deeptree/echo-kernel/internal/metrics"
	"github.com/deeptree/echo-kernel/internal/version"
)

// Health status values.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

type sessionStats interface {
	Stats() connection.ManagerStats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type statser interface {
	Stats() journal.Stats
}

type healthReport struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// newHealthHandler serves /health, /version and the Prometheus endpoint.
// db and journalStats may be nil when the journal is disabled.
func newHealthHandler(session sessionStats, db pinger, journalStats statser, reg *prometheus.Registry, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthReport{
			Status:     statusHealthy,
			Components: make(map[string]any),
		}

		stats := session.Stats()
		health.Components["session"] = map[string]any{
			"state":                stats.State.String(),
			"attempts":             stats.Attempts,
			"session_id":           stats.Session,
			"opens":                stats.Opens,
			"disconnects":          stats.Disconnects,
			"reconnects_scheduled": stats.ReconnectsScheduled,
			"frames":               stats.Frames,
			"dropped_frames":       stats.DroppedFrames,
			"dispatch_failures":    stats.DispatchFailures,
		}

		switch stats.State {
		case connection.StateConnected:
		case connection.StateConnecting, connection.StateReconnecting:
			health.Status = statusDegraded
		default:
			health.Status = statusUnhealthy
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = statusUnhealthy
				health.Components["journal_db"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["journal_db"] = "connected"
			}
		}

		if journalStats != nil {
			js := journalStats.Stats()
			health.Components["journal"] = map[string]any{
				"queued":  js.Queued,
				"inserts": js.Inserts,
				"flushes": js.Flushes,
				"errors":  js.Errors,
				"dropped": js.Dropped,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == statusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(version.Get())
	})

	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.Handle(metricsPath, metrics.Handler(reg))

	return mux
}
