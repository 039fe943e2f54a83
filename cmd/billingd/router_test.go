package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/provider/local"
)

func newTestServer(t *testing.T, adminToken string, checks ...httpserver.Check) (*httptest.Server, *local.Provider) {
	t.Helper()

	catalog, err := parseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	p := local.New(local.Config{WebhookSecret: "whsec_test", Tolerance: 5 * time.Minute})

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	log := slog.New(slog.DiscardHandler)
	b, err := billing.New(billing.DefaultConfig(), billing.MemoryStores(), catalog, provider.NewRegistry(p),
		billing.WithLogger(log), billing.WithMetrics(m))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	srv := httptest.NewServer(newRouter(routerDeps{
		billing:          b,
		gatherer:         reg,
		adminToken:       adminToken,
		readinessTimeout: time.Second,
		checks:           checks,
		logger:           log,
	}))
	t.Cleanup(srv.Close)
	return srv, p
}

func TestRouterHealthChecks(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, "", httpserver.Check{Name: "postgres", Fn: func(context.Context) error { return nil }})

	resp, err := http.Get(srv.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(httpserver.RequestIDHeader))

	resp, err = http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouterWebhookAndMetrics(t *testing.T) {
	t.Parallel()

	srv, p := newTestServer(t, "")
	now := time.Now().UTC()
	end := now.AddDate(0, 1, 0)
	payload, err := json.Marshal(local.EventPayload{
		ID:        "evt_router_1",
		Type:      string(provider.EventSubscriptionCreated),
		CreatedAt: now,
		Data: local.EventPayloadData{
			SubscriptionID:     "sub_ext_1",
			CustomerID:         "cus_ext_1",
			Status:             "active",
			PriceID:            "price_basic",
			Quantity:           1,
			CurrentPeriodStart: &now,
			CurrentPeriodEnd:   &end,
			Metadata:           map[string]string{"customer_id": "cus_1"},
		},
	})
	require.NoError(t, err)

	req, err := p.SignedRequest(context.Background(), srv.URL+"/webhooks/local", payload)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bad, err := http.Post(srv.URL+"/webhooks/local", "application/json", strings.NewReader(string(payload)))
	require.NoError(t, err)
	bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "billing_webhook_receipts_total")
}

func TestRouterAdminAuth(t *testing.T) {
	t.Parallel()

	t.Run("disabled without token", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t, "")
		resp, err := http.Get(srv.URL + "/admin/webhooks/dead-letters")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	srv, _ := newTestServer(t, "s3cret")
	tests := []struct {
		name   string
		header string
		code   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "Basic s3cret", http.StatusUnauthorized},
		{"valid", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req, err := http.NewRequest(http.MethodGet, srv.URL+"/admin/webhooks/dead-letters", nil)
			require.NoError(t, err)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestAppConfigValidate(t *testing.T) {
	t.Parallel()

	valid := appConfig{PlansFile: "plans.yaml", Providers: []string{"local", "stripe"}, LimitsBackend: limitsRedis, ReadinessTimeout: time.Second}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*appConfig)
	}{
		{"no plans file", func(c *appConfig) { c.PlansFile = "" }},
		{"no providers", func(c *appConfig) { c.Providers = nil }},
		{"unknown provider", func(c *appConfig) { c.Providers = []string{"braintree"} }},
		{"unknown backend", func(c *appConfig) { c.LimitsBackend = "mongo" }},
		{"zero timeout", func(c *appConfig) { c.ReadinessTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := valid
			c.Providers = append([]string(nil), valid.Providers...)
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
