package app

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	rediscache "github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

// Dependencies — сервисный слой, общий для HTTP и gRPC.
type Dependencies struct {
	Checkout    *checkout.Coordinator
	Orders      *orders.Service
	Idempotency *idempotency.Executor
	Logger      *log.Entry
}

// NewDependencies собирает сервисы поверх выбранного хранилища. cache может быть nil.
func NewDependencies(
	rt runtimeDependencies,
	verifier domain.PaymentVerifier,
	cache domain.OrderCache,
	m *metrics.CheckoutMetrics,
	cfg Config,
	logger *log.Entry,
) *Dependencies {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	coordinator := checkout.NewCoordinator(rt.uow, rt.repo, verifier, logger.WithField("layer", "checkout"),
		checkout.WithTimeline(rt.timelineRepo),
		checkout.WithMetrics(m),
		checkout.WithCatalogCurrency(cfg.DefaultCurrency),
	)

	orderOpts := []orders.Option{orders.WithMetrics(m)}
	if cache != nil {
		orderOpts = append(orderOpts, orders.WithCache(cache))
	}
	orderService := orders.NewService(rt.uow, rt.repo, rt.timelineRepo, logger.WithField("layer", "orders"), orderOpts...)

	return &Dependencies{
		Checkout:    coordinator,
		Orders:      orderService,
		Idempotency: idempotency.NewExecutor(rt.idempotencyRepo, cfg.IdempotencyTTL, logger.WithField("layer", "idempotency")),
		Logger:      logger,
	}
}

// initOrderCache подключает Redis-кэш заказов, если задан адрес. Возвращает nil без Redis.
func initOrderCache(cfg Config, logger *log.Entry) (*rediscache.OrderCache, func()) {
	if cfg.RedisAddr == "" {
		return nil, func() {}
	}

	client := rediscache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	cache := rediscache.NewOrderCache(client,
		rediscache.WithTTL(cfg.CacheTTL),
		rediscache.WithLogger(logger.WithField("layer", "redis-cache")),
	)
	logger.WithField("addr", cfg.RedisAddr).Info("redis order cache enabled")

	return cache, func() {
		if err := client.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
}

// outboxBacklogChecker сообщает degraded, когда неотправленных событий больше limit.
func outboxBacklogChecker(repo domain.OutboxRepository, limit int) healthcheck.Checker {
	return healthcheck.NewOptionalChecker("outbox", func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return fmt.Errorf("outbox stats: %w", err)
		}
		if limit > 0 && stats.PendingCount > limit {
			age := time.Duration(0)
			if !stats.OldestPendingAt.IsZero() {
				age = time.Since(stats.OldestPendingAt).Round(time.Second)
			}
			return fmt.Errorf("outbox backlog %d exceeds %d (oldest %s)", stats.PendingCount, limit, age)
		}
		return nil
	})
}
