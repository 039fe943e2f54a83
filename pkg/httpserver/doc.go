// Package httpserver runs the billing daemon's HTTP surface: webhook
// ingestion, the admin endpoints, metrics and health checks.
//
// Server wraps http.Server with functional options and graceful shutdown
// driven by the context passed to Run. Signal handling belongs to the caller.
//
//	srv := httpserver.NewFromConfig(cfg, httpserver.WithLogger(log))
//	r := chi.NewRouter()
//	r.Get("/health/live", httpserver.LivenessHandler())
//	r.Get("/health/ready", httpserver.ReadinessHandler(log, 5*time.Second,
//		httpserver.Check{Name: "postgres", Fn: pgstore.Healthcheck(pool)},
//	))
//	err := srv.Run(ctx, r)
//
// Run wraps listen errors with ErrStart and shutdown errors with ErrShutdown.
package httpserver
