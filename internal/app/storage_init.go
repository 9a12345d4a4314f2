package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

// runtimeDependencies — хранилища, выбранные драйвером из конфигурации.
type runtimeDependencies struct {
	uow             domain.UnitOfWork
	repo            domain.OrderRepository
	products        domain.ProductRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	paymentRepo     domain.PaymentRecordRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageDriver)) {
	case StorageDriverMemory, "":
		return initMemoryStorage(ctx, cfg, logger)
	case StorageDriverPostgres:
		return initPostgresStorage(ctx, cfg, logger)
	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initMemoryStorage(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	store := memory.NewStore()
	deps := runtimeDependencies{
		uow:             store,
		repo:            store.Orders(),
		products:        store.Products(),
		outboxRepo:      store.Outbox(),
		timelineRepo:    memory.NewTimelineRepository(),
		idempotencyRepo: memory.NewIdempotencyRepository(),
		paymentRepo:     memory.NewPaymentRecordRepository(),
		storageChecker:  healthcheck.NewSimpleChecker("storage", store.Ping),
	}

	if cfg.CatalogFile != "" {
		currency := cfg.DefaultCurrency
		if currency == "" {
			currency = DefaultConfig().DefaultCurrency
		}
		path := filepath.Clean(cfg.CatalogFile)
		n, err := seedCatalog(ctx, os.DirFS(filepath.Dir(path)), filepath.Base(path), store.Products(), currency)
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("seed catalog: %w", err)
		}
		logger.WithFields(log.Fields{"file": path, "products": n}).Info("catalog seeded")
	}

	logger.Info("using in-memory storage")
	return deps, nil
}

func initPostgresStorage(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return runtimeDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN)
	if err != nil {
		return runtimeDependencies{}, err
	}

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			_ = store.Close()
			return runtimeDependencies{}, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres migrations applied")
	}
	if cfg.CatalogFile != "" {
		logger.WithField("file", cfg.CatalogFile).Warn("catalog seeding is supported only for memory storage, ignoring")
	}

	logger.Info("using postgres storage")
	return runtimeDependencies{
		uow:             store,
		repo:            store.Orders(),
		products:        store.Products(),
		outboxRepo:      postgres.NewOutboxRepository(store),
		timelineRepo:    postgres.NewTimelineRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		paymentRepo:     postgres.NewPaymentRecordRepository(store),
		storageChecker:  healthcheck.PingChecker("storage", store.DB()),
		closeFn:         store.Close,
	}, nil
}
