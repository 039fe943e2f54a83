package metrics_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
)

func TestCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c, err := metrics.New(reg, metrics.WithNamespace("test"))
	require.NoError(t, err)

	c.WebhookReceived("stripe", metrics.ReceiptAccepted)
	c.WebhookReceived("stripe", metrics.ReceiptDuplicate)
	c.WebhookProcessed("stripe", "processed", 10*time.Millisecond)
	c.WebhookDeadLettered("stripe")
	c.SweepItem("renewal", metrics.ResultOK)
	c.SweepItem("renewal", metrics.ResultOK)
	c.SweepPhase("renewal", time.Second)
	c.SweepCompleted()

	expected := `
# HELP test_dunning_items_total Subscriptions handled by the dunning sweep by phase and result.
# TYPE test_dunning_items_total counter
test_dunning_items_total{phase="renewal",result="ok"} 2
# HELP test_webhook_receipts_total Inbound provider notifications by receipt result.
# TYPE test_webhook_receipts_total counter
test_webhook_receipts_total{provider="stripe",result="accepted"} 1
test_webhook_receipts_total{provider="stripe",result="duplicate"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"test_dunning_items_total", "test_webhook_receipts_total"))

	rec := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_dunning_sweeps_total 1")
}

func TestDuplicateRegistration(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)

	_, err = metrics.New(reg)
	require.ErrorIs(t, err, metrics.ErrRegister)
	assert.Panics(t, func() { metrics.MustNew(reg) })
}

func TestNilCollectors(t *testing.T) {
	t.Parallel()
	var c *metrics.Collectors
	assert.NotPanics(t, func() {
		c.WebhookReceived("p", metrics.ReceiptRejected)
		c.WebhookProcessed("p", "failed", time.Second)
		c.SweepItem("retry", metrics.ResultError)
		c.SweepCompleted()
	})
}

func TestResult(t *testing.T) {
	t.Parallel()
	assert.Equal(t, metrics.ResultOK, metrics.Result(nil))
	assert.Equal(t, metrics.ResultSkipped, metrics.Result(billingerr.OptimisticLock("subscription", "s1")))
	assert.Equal(t, metrics.ResultError, metrics.Result(errors.New("boom")))
}
