package subscription_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func TestComparePlans(t *testing.T) {
	t.Parallel()

	pro := &subscription.Plan{
		ID:           "pro",
		Entitlements: []string{"export", "sso"},
		Limits:       map[string]int64{"projects": 30, "seats": 10, "storage": subscription.Unlimited},
	}

	tests := []struct {
		name          string
		current       *subscription.Plan
		target        *subscription.Plan
		want          *subscription.PlanComparison
		wantDecreases bool
	}{
		{
			name:    "downgrade",
			current: pro,
			target: &subscription.Plan{
				ID:           "basic",
				Entitlements: []string{"export"},
				Limits:       map[string]int64{"projects": 10, "storage": 100, "api_calls": 1000},
			},
			want: &subscription.PlanComparison{
				LostEntitlements: []string{"sso"},
				IncreasedLimits:  map[string]subscription.LimitChange{},
				DecreasedLimits: map[string]subscription.LimitChange{
					"projects": {From: 30, To: 10},
					"storage":  {From: subscription.Unlimited, To: 100},
				},
				NewLimits:     map[string]int64{"api_calls": 1000},
				RemovedLimits: map[string]int64{"seats": 10},
			},
			wantDecreases: true,
		},
		{
			name: "upgrade",
			current: &subscription.Plan{
				ID:     "basic",
				Limits: map[string]int64{"projects": 10, "seats": 10},
			},
			target: pro,
			want: &subscription.PlanComparison{
				NewEntitlements: []string{"export", "sso"},
				IncreasedLimits: map[string]subscription.LimitChange{
					"projects": {From: 10, To: 30},
				},
				DecreasedLimits: map[string]subscription.LimitChange{},
				NewLimits:       map[string]int64{"storage": subscription.Unlimited},
				RemovedLimits:   map[string]int64{},
			},
		},
		{
			name:    "nil plan",
			current: nil,
			target:  pro,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := subscription.ComparePlans(tt.current, tt.target)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDecreases, got.HasDecreases())
		})
	}
}
