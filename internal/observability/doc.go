// Package observability provides logging, metrics, and tracing
// functionality for the proxy.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap:
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("exchange completed",
//	    observability.String("rule", "orders"),
//	    observability.Int("status", 200),
//	)
//
// # Metrics
//
// Prometheus metrics for exchanges, backend attempts, the connection pool
// and listeners live on a private registry:
//
//	metrics := observability.NewMetrics("avaproxy")
//	http.Handle("/metrics", metrics.Handler())
//
// All Metrics methods accept a nil receiver.
//
// # Tracing
//
// OpenTelemetry tracing with OTLP/gRPC export. Message headers implement
// the otel TextMapCarrier so trace context propagates across hops:
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    Enabled:      true,
//	    OTLPEndpoint: "otel-collector:4317",
//	    SamplingRate: 0.1,
//	})
package observability
