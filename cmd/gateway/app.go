package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/vyrodovalexey/avaproxy/internal/config"
	"github.com/vyrodovalexey/avaproxy/internal/gateway"
	"github.com/vyrodovalexey/avaproxy/internal/health"
	"github.com/vyrodovalexey/avaproxy/internal/interceptor"
	"github.com/vyrodovalexey/avaproxy/internal/observability"
)

// application holds all application components.
type application struct {
	gateway     *gateway.Gateway
	registry    *interceptor.Registry
	health      *health.Checker
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	config      *config.Config
	reload      *reloadMetrics
	adminServer *http.Server
	logger      observability.Logger
}

// builtinInterceptorTypes lists the interceptor types configuration may
// name.
func builtinInterceptorTypes() []string {
	return interceptor.NewRegistry().Types()
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	metrics := observability.NewMetrics("avaproxy")
	metrics.SetBuildInfo(version, gitCommit)

	tracer, err := initTracer(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize tracer: %w", err)
	}

	registry := interceptor.NewRegistry()
	gw, err := gateway.New(cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
		gateway.WithRegistry(registry),
		gateway.WithShutdownTimeout(time.Duration(cfg.Transport.ShutdownTimeout)),
	)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	checker := health.NewChecker(version)
	checker.RegisterCheck("listeners", health.ListenerCheck(gw.Ports))
	checker.RegisterCheck("store", health.StoreCheck(gw.Store()))

	return &application{
		gateway:  gw,
		registry: registry,
		health:   checker,
		metrics:  metrics,
		tracer:   tracer,
		config:   cfg,
		reload:   newReloadMetrics(metrics),
		logger:   logger,
	}, nil
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config) (*observability.Tracer, error) {
	tr := cfg.Observability.Tracing
	tracerCfg := observability.TracerConfig{
		ServiceName:  tr.ServiceName,
		OTLPEndpoint: tr.Endpoint,
		SamplingRate: tr.SamplingRate,
		Enabled:      tr.Enabled,
	}
	if tracerCfg.ServiceName == "" {
		tracerCfg.ServiceName = config.DefaultServiceName
	}
	return observability.NewTracer(tracerCfg)
}
