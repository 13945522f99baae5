package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/gateway"
	"github.com/vyrodovalexey/avaproxy/internal/health"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
	"github.com/vyrodovalexey/avaproxy/internal/store"
)

// defaultExchangeListLimit bounds /exchanges without a limit parameter.
const defaultExchangeListLimit = 100

// newAdminServer builds the admin HTTP server: Prometheus metrics, health
// probes and the recorded exchanges.
func newAdminServer(
	addr string,
	path string,
	metrics *observability.Metrics,
	checker *health.Checker,
	gw *gateway.Gateway,
	logger observability.Logger,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, metrics.Handler())
	mux.HandleFunc("/health", checker.HealthHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.HandleFunc("/live", checker.LivenessHandler())
	mux.HandleFunc("/exchanges", exchangesHandler(gw, logger))

	logger.Info("starting admin server",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runAdminServer serves until the server is shut down.
func runAdminServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("admin server error", observability.Error(err))
	}
}

// startAdminServer starts the admin server when metrics are enabled.
func startAdminServer(app *application) {
	m := app.config.Observability.Metrics
	if !m.Enabled {
		return
	}
	app.adminServer = newAdminServer(m.Address, m.Path, app.metrics, app.health, app.gateway, app.logger)
	go runAdminServer(app.adminServer, app.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// exchangesHandler lists the most recent exchange records, newest first.
func exchangesHandler(gw *gateway.Gateway, logger observability.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultExchangeListLimit
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
				return
			}
			limit = n
		}

		recs, err := gw.Store().List(r.Context(), limit)
		if err != nil {
			logger.Error("failed to list exchanges", observability.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if recs == nil {
			recs = []store.Record{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}
