package main

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
)

type routerDeps struct {
	billing          *billing.Billing
	gatherer         prometheus.Gatherer
	adminToken       string
	readinessTimeout time.Duration
	checks           []httpserver.Check
	logger           *slog.Logger
}

// newRouter mounts webhook ingestion, the admin API, metrics and health checks.
// The admin API is not mounted when no token is configured.
func newRouter(d routerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, httpserver.RequestID)

	r.Get("/health/live", httpserver.LivenessHandler())
	r.Get("/health/ready", httpserver.ReadinessHandler(d.logger, d.readinessTimeout, d.checks...))
	r.Handle("/metrics", metrics.Handler(d.gatherer))
	r.Mount("/webhooks", d.billing.Webhooks.Handle())

	if d.adminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(bearerAuth(d.adminToken))
			r.Mount("/webhooks", d.billing.Webhooks.AdminHandler())
		})
	}
	return r
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="billing-admin"`)
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
