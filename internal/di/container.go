package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"

	"github.com/storefront/api/internal/payments"
	"github.com/storefront/api/internal/platform/config"
	pfirestore "github.com/storefront/api/internal/platform/firestore"
	"github.com/storefront/api/internal/platform/idempotency"
	"github.com/storefront/api/internal/platform/jobs"
	"github.com/storefront/api/internal/platform/metrics"
	"github.com/storefront/api/internal/platform/observability"
	"github.com/storefront/api/internal/platform/sqldb"
	"github.com/storefront/api/internal/repositories"
	firestoreRepo "github.com/storefront/api/internal/repositories/firestore"
	"github.com/storefront/api/internal/repositories/memory"
	"github.com/storefront/api/internal/repositories/redisstore"
	"github.com/storefront/api/internal/repositories/sqlstore"
	"github.com/storefront/api/internal/services"
)

const (
	firestoreProbeTimeout = 1500 * time.Millisecond
	sqlProbeTimeout       = time.Second
	redisProbeTimeout     = 500 * time.Millisecond
	defaultStripeTimeout  = 10 * time.Second
)

// Services bundles the service-layer contracts that handlers rely upon.
type Services struct {
	Stock    services.StockLedger
	Orders   services.OrderService
	Payments services.PaymentService
	Webhooks services.WebhookReconciler
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
	Metrics      *metrics.Recorder
	Idempotency  idempotency.Store
	Health       repositories.HealthRepository

	closers []func(context.Context) error
}

// Option customises NewContainer, mostly so tests can swap infrastructure.
type Option func(*containerOptions)

type containerOptions struct {
	logger    *zap.Logger
	registry  repositories.Registry
	gateway   payments.Gateway
	publisher services.OrderEventPublisher
}

// WithLogger sets the base logger handed to services.
func WithLogger(logger *zap.Logger) Option {
	return func(o *containerOptions) { o.logger = logger }
}

// WithRegistry bypasses backend selection and uses reg for persistence.
func WithRegistry(reg repositories.Registry) Option {
	return func(o *containerOptions) { o.registry = reg }
}

// WithGateway overrides the payment gateway built from PSP settings.
func WithGateway(gateway payments.Gateway) Option {
	return func(o *containerOptions) { o.gateway = gateway }
}

// WithPublisher overrides the event publisher built from Events settings.
func WithPublisher(publisher services.OrderEventPublisher) Option {
	return func(o *containerOptions) { o.publisher = publisher }
}

// NewContainer constructs the runtime dependencies. On failure every resource opened so far is released.
func NewContainer(ctx context.Context, cfg config.Config, opts ...Option) (_ *Container, err error) {
	options := containerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{Config: cfg, Metrics: metrics.NewRecorder()}
	defer func() {
		if err != nil {
			_ = c.Close(context.WithoutCancel(ctx))
		}
	}()

	var checks []repositories.DependencyCheck
	var firestoreProvider *pfirestore.Provider

	reg := options.registry
	if reg == nil {
		reg, firestoreProvider, checks, err = c.buildRegistry(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	c.Repositories = reg
	c.closers = append(c.closers, reg.Close)

	var cache services.EventCache
	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("build redis client: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })

		eventCache, err := redisstore.NewEventCache(client, cfg.Redis.EventTTL)
		if err != nil {
			return nil, fmt.Errorf("build webhook event cache: %w", err)
		}
		cache = eventCache
		c.Idempotency, err = idempotency.NewRedisStore(client)
		if err != nil {
			return nil, fmt.Errorf("build idempotency store: %w", err)
		}
		checks = append(checks, redisCheck(client))
	}
	if c.Idempotency == nil {
		if c.Idempotency, err = buildIdempotencyStore(firestoreProvider); err != nil {
			return nil, err
		}
	}

	gateway := options.gateway
	if gateway == nil {
		if gateway, err = buildGateway(cfg.PSP, logger); err != nil {
			return nil, err
		}
	}

	publisher := options.publisher
	if publisher == nil {
		if publisher, err = c.buildPublisher(ctx, cfg.Events); err != nil {
			return nil, err
		}
	}

	if c.Services, err = buildServices(reg, gateway, publisher, cache, c.Metrics, cfg, logger); err != nil {
		return nil, err
	}

	if len(checks) > 0 {
		if c.Health, err = repositories.NewDependencyHealthRepository(checks); err != nil {
			return nil, fmt.Errorf("build health repository: %w", err)
		}
	}
	return c, nil
}

// Close releases clients in reverse construction order.
func (c *Container) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Container) buildRegistry(ctx context.Context, cfg config.Config) (repositories.Registry, *pfirestore.Provider, []repositories.DependencyCheck, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		reg, err := firestoreRepo.NewRegistry(provider)
		if err != nil {
			_ = provider.Close(ctx)
			return nil, nil, nil, fmt.Errorf("build firestore registry: %w", err)
		}
		check := repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  firestoreProbeTimeout,
			Check:    provider.Ping,
		}
		return reg, provider, []repositories.DependencyCheck{check}, nil

	case config.StorageBackendSQL:
		db, err := sqldb.Open(ctx, cfg.SQL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sql database: %w", err)
		}
		store, err := sqlstore.NewStore(db)
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, fmt.Errorf("build sql store: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, nil, nil, err
		}
		check := repositories.DependencyCheck{
			Name:     "sql",
			Critical: true,
			Timeout:  sqlProbeTimeout,
			Check:    db.PingContext,
		}
		return store, nil, []repositories.DependencyCheck{check}, nil

	case config.StorageBackendMemory:
		return memory.NewStore(), nil, nil, nil
	}
	return nil, nil, nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
}

func buildIdempotencyStore(provider *pfirestore.Provider) (idempotency.Store, error) {
	if provider == nil {
		return idempotency.NewMemoryStore(), nil
	}
	store, err := idempotency.NewFirestoreStore(provider, "")
	if err != nil {
		return nil, fmt.Errorf("build idempotency store: %w", err)
	}
	return store, nil
}

func buildGateway(cfg config.PSPConfig, logger *zap.Logger) (payments.Gateway, error) {
	if !cfg.StripeEnabled() {
		logger.Warn("stripe api key not configured; payment intents disabled")
		return payments.DisabledGateway{}, nil
	}
	gateway, err := payments.NewStripeGateway(stripeGatewayConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("build stripe gateway: %w", err)
	}
	return gateway, nil
}

func stripeGatewayConfig(cfg config.PSPConfig, logger *zap.Logger) payments.StripeGatewayConfig {
	return payments.StripeGatewayConfig{
		APIKey:                 cfg.StripeAPIKey,
		WebhookSecret:          cfg.StripeWebhookSecret,
		AccountID:              cfg.StripeAccountID,
		Currency:               cfg.Currency,
		WebhookTolerance:       cfg.WebhookTolerance,
		IgnoreAPIVersionErrors: cfg.IgnoreAPIVersionErrors,
		Backends:               stripeBackends(cfg.Timeout),
		Logger:                 observability.EventLogger(logger, "payments"),
	}
}

// stripeBackends bounds every Stripe API call, not only those issued during order placement.
func stripeBackends(timeout time.Duration) *stripe.Backends {
	if timeout <= 0 {
		timeout = defaultStripeTimeout
	}
	return stripe.NewBackends(&http.Client{Timeout: timeout})
}

func (c *Container) buildPublisher(ctx context.Context, cfg config.EventsConfig) (services.OrderEventPublisher, error) {
	switch cfg.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProject)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Topic)
		topic.EnableMessageOrdering = true
		c.closers = append(c.closers, func(context.Context) error {
			topic.Stop()
			return client.Close()
		})
		publisher, err := jobs.NewPubSubOrderEventPublisher(topic)
		if err != nil {
			return nil, err
		}
		return publisher, nil

	case config.EventsBackendKafka:
		publisher, err := jobs.NewKafkaOrderEventPublisher(jobs.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.Topic,
		})
		if err != nil {
			return nil, fmt.Errorf("build kafka publisher: %w", err)
		}
		c.closers = append(c.closers, func(context.Context) error { return publisher.Close() })
		return publisher, nil
	}
	return nil, nil
}

func buildServices(
	reg repositories.Registry,
	gateway payments.Gateway,
	publisher services.OrderEventPublisher,
	cache services.EventCache,
	recorder *metrics.Recorder,
	cfg config.Config,
	logger *zap.Logger,
) (Services, error) {
	ledger, err := services.NewStockLedger(services.StockLedgerDeps{
		Stock:   reg.Stock(),
		Metrics: recorder,
		Logger:  observability.EventLogger(logger, "stock"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build stock ledger: %w", err)
	}

	paymentSvc, err := services.NewPaymentService(services.PaymentServiceDeps{
		Orders:   reg.Orders(),
		Gateway:  gateway,
		Events:   publisher,
		Currency: cfg.PSP.Currency,
		Clock:    time.Now,
		Logger:   observability.EventLogger(logger, "payments"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment service: %w", err)
	}

	orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:         reg.Orders(),
		Products:       reg.Products(),
		Carts:          reg.Carts(),
		Stock:          ledger,
		UnitOfWork:     reg,
		Payments:       paymentSvc,
		Events:         publisher,
		Metrics:        recorder,
		Clock:          time.Now,
		NotesMaxLength: cfg.Orders.NotesMaxLength,
		IntentTimeout:  cfg.PSP.Timeout,
		Logger:         observability.EventLogger(logger, "orders"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}

	reconciler, err := services.NewWebhookReconciler(services.WebhookReconcilerDeps{
		Gateway:    gateway,
		Orders:     reg.Orders(),
		Events:     reg.WebhookEvents(),
		UnitOfWork: reg,
		Cache:      cache,
		Publisher:  publisher,
		Metrics:    recorder,
		Clock:      time.Now,
		Logger:     observability.EventLogger(logger, "webhooks"),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build webhook reconciler: %w", err)
	}

	return Services{
		Stock:    ledger,
		Orders:   orderSvc,
		Payments: paymentSvc,
		Webhooks: reconciler,
	}, nil
}

func redisCheck(client *redis.Client) repositories.DependencyCheck {
	return repositories.DependencyCheck{
		Name:    "redis",
		Timeout: redisProbeTimeout,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}
