package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

const testCatalog = `
plans:
  - id: basic
    name: Basic
    price: 900
    currency: usd
    interval: month
    provider_prices:
      local: price_basic
    limits:
      projects: 3
  - id: pro
    name: Pro
    price: 29000
    currency: usd
    interval: year
    trial_days: 14
    provider_prices:
      stripe: price_pro_yearly
    limits:
      projects: 10
      api_calls: -1
    entitlements: [sso, audit_log]
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	c, err := parseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	pro, err := c.Plan(context.Background(), "pro")
	require.NoError(t, err)
	assert.Equal(t, period.Year, pro.Interval)
	assert.Equal(t, 1, pro.IntervalCount)
	assert.Equal(t, 14, pro.TrialDays)
	assert.Equal(t, subscription.Unlimited, pro.Limits["api_calls"])
	assert.Equal(t, []string{"sso", "audit_log"}, pro.Entitlements)

	byPrice, err := c.PlanByProviderPrice(context.Background(), "stripe", "price_pro_yearly")
	require.NoError(t, err)
	assert.Equal(t, "pro", byPrice.ID)
}

func TestParseCatalogErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", "plans: []", errNoPlans},
		{"bad interval", "plans:\n  - {id: x, price: 1, currency: usd, interval: fortnight}", subscription.ErrInvalidCatalog},
		{"missing currency", "plans:\n  - {id: x, price: 1, interval: month}", subscription.ErrInvalidCatalog},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := parseCatalog([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := parseCatalog([]byte("plans: ["))
	assert.Error(t, err)
}
