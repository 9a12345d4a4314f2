// Package idempotency делает оформление заказа безопасным для повторов.
//
// Клиент передаёт Idempotency-Key, а hash запроса строится из операции транспорта, покупателя
// и тела запроса. Первый запрос занимает ключ в статусе processing; повтор, пришедший до ответа,
// получает IDEMPOTENCY_CONFLICT. Готовый заказ или стабильный код ошибки сохраняются на DefaultTTL
// и отдаются повторам без нового оформления. После TTL ключ свободен, а CleanupWorker удаляет
// такие записи из хранилища.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_sweeps_total",
		Help: "Expired checkout idempotency key sweeps grouped by result.",
	}, []string{"result"})
	expiredKeysDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_idempotency_expired_keys_deleted_total",
		Help: "Checkout idempotency keys deleted after their replay window closed.",
	})
	lastSweepDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_idempotency_last_sweep_deleted",
		Help: "Checkout idempotency keys deleted by the last sweep.",
	})
)

// CleanupOptions задаёт параметры очистки ключей с закрытым окном повтора.
type CleanupOptions struct {
	Now       func() time.Time
	Logger    *log.Entry
	Interval  time.Duration
	BatchSize int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Logger = logger
	}
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Interval = interval
	}
}

// WithBatchSize ограничивает число ключей, удаляемых одним запросом к хранилищу.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.BatchSize = batchSize
	}
}

// CleanupWorker удаляет записи, чьё окно повтора закрылось. Повтор по такому ключу уже
// считается новым заказом, поэтому удаление не меняет ответы клиентам.
type CleanupWorker struct {
	repo      domain.IdempotencyRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleanupWorker создаёт воркер. Нулевые интервал и размер порции заменяются значениями по умолчанию.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:  defaultCleanupInterval,
		BatchSize: defaultCleanupBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "idempotency-cleanup-worker")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &CleanupWorker{
		repo:      repo,
		logger:    logger,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		now:       now,
	}
}

// WithClock подменяет часы, по которым определяется закрытое окно повтора.
func WithClock(now func() time.Time) CleanupOption {
	return func(opts *CleanupOptions) {
		opts.Now = now
	}
}

// Run делает первый проход сразу, затем повторяет его каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency key sweep disabled: no repository")
		return
	}

	w.sweep(ctx, w.now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx, w.now().UTC())
		}
	}
}

func (w *CleanupWorker) sweep(ctx context.Context, before time.Time) {
	deleted, err := w.DeleteExpired(ctx, before)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		sweepsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency key sweep failed")
		return
	}

	sweepsTotal.WithLabelValues("ok").Inc()
	lastSweepDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithFields(log.Fields{
			"deleted": deleted,
			"before":  before.Format(time.RFC3339),
		}).Info("expired idempotency keys deleted")
	}
}

// DeleteExpired удаляет ключи с TTL не позже before порциями по batchSize, старые первыми.
// Нулевой before означает текущее время по часам воркера. Возвращает число удалённых ключей,
// в том числе при ошибке посреди прохода.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC()
	}

	totalDeleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return totalDeleted, err
		}

		totalDeleted += deleted
		if deleted > 0 {
			expiredKeysDeletedTotal.Add(float64(deleted))
		}

		if deleted < w.batchSize {
			break
		}
	}

	return totalDeleted, nil
}
