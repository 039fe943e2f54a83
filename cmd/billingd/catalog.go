package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dmitrymomot/billingkit/pkg/period"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

var errNoPlans = errors.New("plan catalog is empty")

// catalogFile is the on-disk plan catalog.
//
//	plans:
//	  - id: pro
//	    name: Pro
//	    price: 2900
//	    currency: usd
//	    interval: month
//	    trial_days: 14
//	    provider_prices:
//	      stripe: price_123
//	    limits:
//	      projects: 10
//	      api_calls: -1
//	    entitlements: [sso]
type catalogFile struct {
	Plans []planEntry `yaml:"plans"`
}

type planEntry struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Price          int64             `yaml:"price"`
	Currency       string            `yaml:"currency"`
	Interval       string            `yaml:"interval"`
	IntervalCount  int               `yaml:"interval_count"`
	TrialDays      int               `yaml:"trial_days"`
	ProviderPrices map[string]string `yaml:"provider_prices"`
	Limits         map[string]int64  `yaml:"limits"`
	Entitlements   []string          `yaml:"entitlements"`
}

func (e planEntry) plan() subscription.Plan {
	count := e.IntervalCount
	if count == 0 {
		count = 1
	}
	return subscription.Plan{
		ID:             e.ID,
		Name:           e.Name,
		Price:          e.Price,
		Currency:       e.Currency,
		Interval:       period.Interval(e.Interval),
		IntervalCount:  count,
		TrialDays:      e.TrialDays,
		ProviderPrices: e.ProviderPrices,
		Limits:         e.Limits,
		Entitlements:   e.Entitlements,
	}
}

func loadCatalog(path string) (*subscription.MemoryCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan catalog: %w", err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*subscription.MemoryCatalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse plan catalog: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, errNoPlans
	}
	plans := make([]subscription.Plan, 0, len(f.Plans))
	for _, e := range f.Plans {
		plans = append(plans, e.plan())
	}
	return subscription.NewMemoryCatalog(plans...)
}
