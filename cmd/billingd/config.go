package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/provider"
	"github.com/dmitrymomot/billingkit/pkg/provider/local"
	"github.com/dmitrymomot/billingkit/pkg/provider/paddle"
	"github.com/dmitrymomot/billingkit/pkg/provider/stripe"
)

const (
	limitsPostgres = "postgres"
	limitsRedis    = "redis"
)

type appConfig struct {
	PlansFile string `env:"BILLING_PLANS_FILE" envDefault:"plans.yaml"`
	// Providers are enabled in order; the first one bills new subscriptions.
	Providers        []string      `env:"BILLING_PROVIDERS" envSeparator:"," envDefault:"local"`
	LimitsBackend    string        `env:"BILLING_LIMITS_BACKEND" envDefault:"postgres"`
	AdminToken       string        `env:"BILLING_ADMIN_TOKEN"`
	ReadinessTimeout time.Duration `env:"HEALTH_READINESS_TIMEOUT" envDefault:"5s"`
}

func (c *appConfig) Validate() error {
	var errs []error
	if c.PlansFile == "" {
		errs = append(errs, errors.New("BILLING_PLANS_FILE is required"))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("BILLING_PROVIDERS must name at least one provider"))
	}
	for _, name := range c.Providers {
		switch name {
		case local.Name, stripe.Name, paddle.Name:
		default:
			errs = append(errs, fmt.Errorf("unknown provider %q", name))
		}
	}
	if c.LimitsBackend != limitsPostgres && c.LimitsBackend != limitsRedis {
		errs = append(errs, fmt.Errorf("BILLING_LIMITS_BACKEND must be %s or %s", limitsPostgres, limitsRedis))
	}
	if c.ReadinessTimeout <= 0 {
		errs = append(errs, errors.New("HEALTH_READINESS_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}

// buildProviders loads the config of each enabled provider and registers it.
func buildProviders(names []string, log *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, name := range names {
		p, err := newProvider(name)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		reg.Register(p)
		log.Info("payment provider enabled", logger.Provider(p.Name()), slog.Bool("livemode", p.Livemode()))
	}
	return reg, nil
}

func newProvider(name string) (provider.Provider, error) {
	switch name {
	case stripe.Name:
		var cfg stripe.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return stripe.New(cfg)
	case paddle.Name:
		var cfg paddle.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return paddle.New(cfg)
	default:
		var cfg local.Config
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return local.New(cfg), nil
	}
}
