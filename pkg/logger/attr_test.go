package logger_test

import (
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/logger"
)

func TestGroup(t *testing.T) {
	t.Parallel()

	attr := logger.Group("renewal", slog.String("id", "1"), slog.Int("n", 2))
	require.Equal(t, "renewal", attr.Key)
	require.Equal(t, slog.KindGroup, attr.Value.Kind())
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, "id", g[0].Key)
	assert.Equal(t, "n", g[1].Key)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	err1 := errors.New("first")
	err2 := errors.New("second")

	attr := logger.Errors(err1, nil, err2)
	require.Equal(t, "errors", attr.Key)
	g := attr.Value.Group()
	require.Len(t, g, 2)
	assert.Equal(t, err1, g[0].Value.Any())
	assert.Equal(t, err2, g[1].Value.Any())

	assert.True(t, logger.Errors(nil).Equal(slog.Attr{}))
}

func TestError(t *testing.T) {
	t.Parallel()

	err := errors.New("boom")
	attr := logger.Error(err)
	require.Equal(t, "error", attr.Key)
	assert.Equal(t, err, attr.Value.Any())
	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
}

func TestIDAttrs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attr slog.Attr
		key  string
	}{
		{logger.SubscriptionID("sub_1"), "subscription_id"},
		{logger.CustomerID("cus_1"), "customer_id"},
		{logger.InvoiceID("in_1"), "invoice_id"},
		{logger.PlanID("pro"), "plan_id"},
		{logger.Provider("stripe"), "provider"},
		{logger.WebhookEventID("wh_1"), "webhook_event_id"},
		{logger.ProviderEventID("evt_1"), "provider_event_id"},
		{logger.LimitKey("api_calls"), "limit_key"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.key, tt.attr.Key)
			assert.NotEmpty(t, tt.attr.Value.String())
		})
	}

	assert.True(t, logger.SubscriptionID("").Equal(slog.Attr{}), "empty id yields empty attr")
}

func TestValueAttrs(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "past_due", logger.Status("past_due").Value.String())
	assert.Equal(t, "active->past_due", logger.Transition("active", "past_due").Value.String())
	assert.Equal(t, int64(3), logger.Attempt(3).Value.Int64())
	assert.Equal(t, int64(2), logger.RetryCount(2).Value.Int64())
	assert.True(t, logger.Livemode(true).Value.Bool())
	assert.Equal(t, time.Second, logger.Duration(time.Second).Value.Any())
	assert.Equal(t, "dunning", logger.Component("dunning").Value.String())
}
