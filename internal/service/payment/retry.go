package payment

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// RetryConfig задаёт повторы обращений к шлюзу.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig возвращает конфигурацию по умолчанию.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}
}

// retryable: повторяем только временную недоступность шлюза. Открытый breaker не повторяем.
func retryable(err error) bool {
	return errors.Is(err, domain.ErrGatewayUnavailable) && !errors.Is(err, ErrCircuitOpen)
}

// withRetry выполняет fn с экспоненциальной задержкой, пока ошибка временная и не исчерпаны попытки.
func withRetry(ctx context.Context, cfg RetryConfig, logger *log.Entry, operation string, fn func() error) error {
	attempts := max(cfg.MaxAttempts, 1)
	delay := cfg.InitialDelay

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				logger.WithFields(log.Fields{"operation": operation, "attempt": attempt}).Info("gateway call succeeded after retry")
			}
			return nil
		}
		if !retryable(err) || attempt == attempts {
			return err
		}

		logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"attempt":   attempt,
			"delay":     delay,
		}).Warn("gateway call failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return err
}
