package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otakuflix/billing/modules/payments"
	"github.com/otakuflix/billing/pkg/billing"
	"github.com/otakuflix/billing/pkg/config"
	"github.com/otakuflix/billing/pkg/gateway"
	"github.com/otakuflix/billing/pkg/httpserver"
	"github.com/otakuflix/billing/pkg/logger"
	"github.com/otakuflix/billing/pkg/mailer"
	"github.com/otakuflix/billing/pkg/pg"
	"github.com/otakuflix/billing/pkg/plan"
	"github.com/otakuflix/billing/pkg/redis"
)

type appConfig struct {
	Env      string `env:"APP_ENV" envDefault:"production"`
	Provider string `env:"BILLING_PROVIDER" envDefault:"stripe"`

	PriceFanMonthly string            `env:"PRICE_FAN_MONTHLY,required"`
	PriceFanAnnual  string            `env:"PRICE_FAN_ANNUAL,required"`
	LegacyPrices    map[string]string `env:"LEGACY_PRICE_IDS"`

	GracePeriod       time.Duration `env:"BILLING_GRACE_PERIOD" envDefault:"168h"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"15m"`

	// UserDirectoryURL points at the accounts service used to resolve
	// user emails for billing notifications. Notifications are
	// disabled when unset.
	UserDirectoryURL string `env:"USER_DIRECTORY_URL"`

	HTTP  httpserver.Config
	PG    pg.Config
	Redis redis.Config
}

func main() {
	if err := run(); err != nil {
		slog.Error("billingd failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var cfg appConfig
	if err := config.Load(&cfg); err != nil {
		return err
	}

	logOpts := []logger.Option{logger.WithAttr(slog.String("service", "billingd"))}
	if cfg.Env != "production" {
		logOpts = append(logOpts, logger.WithDevelopment("billingd"))
	}
	log := logger.New(logOpts...)
	logger.SetAsDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}
	store := billing.NewPostgresStore(pool)

	provider, err := newProvider(cfg.Provider)
	if err != nil {
		return err
	}

	catalog, chain, err := buildPlans(cfg)
	if err != nil {
		return err
	}

	metrics := billing.NewMetrics(prometheus.DefaultRegisterer)

	managerOpts := []billing.ManagerOption{
		billing.WithGracePeriod(cfg.GracePeriod),
		billing.WithManagerLogger(log),
	}
	if cfg.UserDirectoryURL != "" {
		sender, err := newSender(cfg.Env, log)
		if err != nil {
			return err
		}
		managerOpts = append(managerOpts, billing.WithNotifier(
			mailer.NewBillingNotifier(sender, directoryLookup(cfg.UserDirectoryURL))))
	}
	manager := billing.NewManager(store, catalog, managerOpts...)
	ledger := billing.NewLedger(store, billing.WithLedgerLogger(log))

	procOpts := []billing.ProcessorOption{
		billing.WithProcessorLogger(log),
		billing.WithMetrics(metrics),
	}
	// the dedupe cache is optional; the service degrades to
	// constraint-only idempotency without it
	if rdb, err := redis.Connect(ctx, cfg.Redis); err != nil {
		log.Warn("redis unavailable, webhook dedupe cache disabled", slog.Any("error", err))
	} else {
		defer rdb.Close()
		procOpts = append(procOpts, billing.WithEventCache(
			billing.NewRedisEventCache(rdb, billing.DefaultEventTTL)))
	}
	processor := billing.NewProcessor(provider, store, manager, ledger, chain, procOpts...)
	checkout := billing.NewCheckout(provider, store, catalog, manager,
		billing.WithCheckoutLogger(log))

	reconciler := billing.NewReconciler(store, provider, processor,
		billing.WithReconcileInterval(cfg.ReconcileInterval),
		billing.WithReconcilerMetrics(metrics),
		billing.WithReconcilerLogger(log))
	go func() {
		if err := reconciler.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error("reconciler stopped", slog.Any("error", err))
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Mount("/billing", payments.Router(payments.RouterOptions{
		Checkout:   checkout,
		Processors: map[string]*billing.Processor{provider.Name(): processor},
		Logger:     log,
	}))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", httpserver.Healthcheck(log))
	r.Get("/readyz", httpserver.Healthcheck(log, pg.Healthcheck(pool)))

	return httpserver.New(cfg.HTTP, log).Run(ctx, r)
}

func newProvider(name string) (gateway.Provider, error) {
	switch name {
	case "stripe":
		var cfg gateway.StripeConfig
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return gateway.NewStripeProvider(cfg)
	case "paddle":
		var cfg gateway.PaddleConfig
		if err := config.Load(&cfg); err != nil {
			return nil, err
		}
		return gateway.NewPaddleProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown billing provider %q", name)
	}
}

func buildPlans(cfg appConfig) (*plan.Catalog, *plan.Chain, error) {
	catalog, err := plan.NewCatalog(
		plan.Plan{
			Type:     plan.TypeFree,
			Name:     "Free",
			Interval: plan.BillingIntervalNone,
			Features: []plan.Feature{plan.FeatureSimulcast},
		},
		plan.Plan{
			Type:     plan.TypeFan,
			Name:     "FAN",
			PriceID:  cfg.PriceFanMonthly,
			Price:    plan.Money{Amount: 999, Currency: "usd"},
			Interval: plan.BillingIntervalMonthly,
			Features: []plan.Feature{plan.FeatureAdFree, plan.FeatureFullHD, plan.FeatureSimulcast},
		},
		plan.Plan{
			Type:     plan.TypeFanAnnual,
			Name:     "FAN Annual",
			PriceID:  cfg.PriceFanAnnual,
			Price:    plan.Money{Amount: 9990, Currency: "usd"},
			Interval: plan.BillingIntervalAnnual,
			Features: []plan.Feature{plan.FeatureAdFree, plan.FeatureUltraHD, plan.FeatureDownloads, plan.FeatureSimulcast},
		},
	)
	if err != nil {
		return nil, nil, err
	}

	legacy := make(map[string]plan.Type, len(cfg.LegacyPrices))
	for priceID, tier := range cfg.LegacyPrices {
		legacy[priceID] = plan.Type(tier)
	}
	chain := plan.NewChain().
		Append(plan.ResolverCatalog, plan.CatalogResolver(catalog)).
		Append(plan.ResolverLegacy, plan.LegacyResolver(legacy)).
		Append(plan.ResolverDefault, plan.DefaultResolver(plan.TypeFan))
	return catalog, chain, nil
}

func newSender(env string, log *slog.Logger) (mailer.Sender, error) {
	if env != "production" {
		return mailer.NewLogSender(log), nil
	}
	var cfg mailer.Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}
	return mailer.NewPostmarkSender(cfg)
}

// directoryLookup resolves user emails from the accounts service.
func directoryLookup(baseURL string) mailer.AddressLookup {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context, userID uuid.UUID) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/internal/users/%s", baseURL, userID), nil)
		if err != nil {
			return "", err
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("user directory answered %d", resp.StatusCode)
		}
		var body struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", err
		}
		return body.Email, nil
	}
}
