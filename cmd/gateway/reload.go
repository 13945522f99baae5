package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// reloadMetrics holds Prometheus metrics for configuration reloads. The
// collectors live on the proxy's registry so they appear on /metrics.
type reloadMetrics struct {
	configReloadTotal       *prometheus.CounterVec
	configReloadDuration    prometheus.Histogram
	configReloadLastSuccess prometheus.Gauge
	configWatcherStatus     prometheus.Gauge
}

// newReloadMetrics creates reload metrics and registers them with m.
func newReloadMetrics(m *observability.Metrics) *reloadMetrics {
	rm := &reloadMetrics{
		configReloadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avaproxy",
				Name:      "config_reload_total",
				Help:      "Total number of configuration reloads",
			},
			[]string{"result"},
		),
		configReloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "avaproxy",
				Name:      "config_reload_duration_seconds",
				Help:      "Duration of configuration reload operations",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1},
			},
		),
		configReloadLastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaproxy",
				Name:      "config_reload_last_success_timestamp",
				Help:      "Timestamp of last successful config reload",
			},
		),
		configWatcherStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "avaproxy",
				Name:      "config_watcher_running",
				Help:      "Whether the config file watcher is running (1=running, 0=stopped)",
			},
		),
	}

	if m != nil {
		m.Registry().MustRegister(
			rm.configReloadTotal,
			rm.configReloadDuration,
			rm.configReloadLastSuccess,
			rm.configWatcherStatus,
		)
	}
	return rm
}

// applyConfig hands a new configuration to the gateway and records the
// outcome.
func (app *application) applyConfig(cfg *config.Config) error {
	start := time.Now()
	err := app.gateway.Reload(context.Background(), cfg)
	app.reload.configReloadDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		app.reload.configReloadTotal.WithLabelValues("error").Inc()
		app.logger.Error("failed to reload configuration", observability.Error(err))
		return err
	}

	app.config = cfg
	app.reload.configReloadTotal.WithLabelValues("success").Inc()
	app.reload.configReloadLastSuccess.SetToCurrentTime()
	return nil
}

// startConfigWatcher starts the configuration watcher. A watcher that
// cannot start is logged and the proxy keeps its current configuration.
func startConfigWatcher(app *application, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath,
		func(newCfg *config.Config) {
			app.logger.Info("configuration changed, reloading")
			_ = app.applyConfig(newCfg)
		},
		config.WithLogger(app.logger),
		config.WithInterceptorTypes(app.registry.Types()...),
		config.WithErrorCallback(func(error) {
			app.reload.configReloadTotal.WithLabelValues("error").Inc()
		}),
	)
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}

	app.reload.configWatcherStatus.Set(1)
	return watcher
}
