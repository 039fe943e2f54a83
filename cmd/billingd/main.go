// Command billingd runs the billing engine as a service: it ingests provider
// webhooks, runs the dunning schedule and drains the webhook retry queue.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/config"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/pgstore"
	"github.com/dmitrymomot/billingkit/pkg/redisstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "billingd:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var logCfg logger.Config
	if err := config.Load(&logCfg); err != nil {
		return err
	}
	log, err := logger.FromConfig(logCfg, logger.WithContextExtractors(httpserver.RequestIDExtractor))
	if err != nil {
		return err
	}
	logger.SetAsDefault(log)

	var (
		app     appConfig
		httpCfg httpserver.Config
		pgCfg   pgstore.Config
		billCfg billing.Config
	)
	if err := errors.Join(
		config.Load(&app),
		config.Load(&httpCfg),
		config.Load(&pgCfg),
		config.Load(&billCfg),
	); err != nil {
		return err
	}

	catalog, err := loadCatalog(app.PlansFile)
	if err != nil {
		return err
	}
	providers, err := buildProviders(app.Providers, log)
	if err != nil {
		return err
	}

	pool, err := pgstore.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	if pgCfg.AutoMigrate {
		if err := pgstore.Migrate(ctx, pool, pgCfg, log); err != nil {
			return err
		}
	}

	stores := billing.PostgresStores(pgstore.New(pool))
	checks := []httpserver.Check{{Name: "postgres", Fn: pgstore.Healthcheck(pool)}}

	if app.LimitsBackend == limitsRedis {
		var redisCfg redisstore.Config
		if err := config.Load(&redisCfg); err != nil {
			return err
		}
		client, err := redisstore.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		defer client.Close()
		stores.Limits = redisstore.NewLimitStore(client,
			redisstore.WithKeyPrefix(redisCfg.KeyPrefix),
			redisstore.WithUsageStreamLen(redisCfg.UsageStreamLen),
		)
		checks = append(checks, httpserver.Check{Name: "redis", Fn: redisstore.Healthcheck(client)})
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	b, err := billing.New(billCfg, stores, catalog, providers,
		billing.WithLogger(log),
		billing.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Error("billing close failed", logger.Error(err))
		}
	}()

	if app.AdminToken == "" {
		log.Warn("BILLING_ADMIN_TOKEN is not set, admin API disabled")
	}
	router := newRouter(routerDeps{
		billing:          b,
		gatherer:         reg,
		adminToken:       app.AdminToken,
		readinessTimeout: app.ReadinessTimeout,
		checks:           checks,
		logger:           log,
	})
	srv := httpserver.NewFromConfig(httpCfg, httpserver.WithLogger(log))

	log.InfoContext(ctx, "billingd starting",
		slog.String("addr", httpCfg.Addr),
		slog.String("limits_backend", app.LimitsBackend),
		slog.Any("providers", providers.Names()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, router) })
	g.Go(func() error { return b.Run(gctx) })
	return g.Wait()
}
