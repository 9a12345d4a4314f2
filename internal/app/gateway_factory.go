package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
)

// createPaymentGateway выбирает HTTP-клиент шлюза, если задан URL, иначе mock для разработки.
func createPaymentGateway(cfg Config, logger *log.Entry) (domain.PaymentGateway, error) {
	if strings.TrimSpace(cfg.PaymentGatewayURL) == "" {
		logger.Warn("payment gateway url is not set, using mock gateway")
		return payment.NewMockGateway(), nil
	}

	gateway, err := payment.NewHTTPGateway(cfg.PaymentGatewayURL, cfg.PaymentGatewayAPIKey, cfg.PaymentGatewayTimeout)
	if err != nil {
		return nil, err
	}
	logger.WithField("url", cfg.PaymentGatewayURL).Info("payment gateway client initialized")
	return gateway, nil
}

// createVerifier собирает верификатор платежей: повторы поверх circuit breaker вокруг шлюза.
func createVerifier(cfg Config, records domain.PaymentRecordRepository, gateway domain.PaymentGateway, logger *log.Entry) *payment.Verifier {
	breaker := payment.NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, logger.WithField("layer", "circuit-breaker"))
	retry := payment.DefaultRetryConfig()
	retry.MaxAttempts = cfg.PaymentGatewayRetries
	return payment.NewVerifier(records, gateway, breaker, logger.WithField("layer", "payment"), payment.WithRetry(retry))
}
