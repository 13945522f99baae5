// Package health provides health and readiness probe endpoints for the
// proxy's admin server.
//
// A Checker reports liveness unconditionally and readiness from a set of
// registered checks:
//
//	checker := health.NewChecker(version)
//	checker.RegisterCheck("listeners", health.ListenerCheck(gw.Ports))
//	checker.RegisterCheck("store", health.StoreCheck(gw.Store()))
//
//	mux.HandleFunc("/health", checker.HealthHandler())
//	mux.HandleFunc("/ready", checker.ReadinessHandler())
//	mux.HandleFunc("/live", checker.LivenessHandler())
package health
