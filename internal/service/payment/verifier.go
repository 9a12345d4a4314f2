// Package payment проверяет внешние платежи перед созданием заказа.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Verifier сверяет локальную платёжную запись с состоянием сессии в шлюзе.
type Verifier struct {
	records domain.PaymentRecordRepository
	gateway domain.PaymentGateway
	breaker *CircuitBreaker
	retry   RetryConfig
	tracer  trace.Tracer
	logger  *log.Entry
}

// VerifierOption настраивает Verifier.
type VerifierOption func(*Verifier)

// WithRetry задаёт повторы запросов к шлюзу. По умолчанию запрос выполняется один раз.
func WithRetry(cfg RetryConfig) VerifierOption {
	return func(v *Verifier) { v.retry = cfg }
}

// NewVerifier создаёт проверяющего. breaker может быть nil.
func NewVerifier(records domain.PaymentRecordRepository, gateway domain.PaymentGateway, breaker *CircuitBreaker, logger *log.Entry, opts ...VerifierOption) *Verifier {
	if logger == nil {
		logger = log.New().WithField("component", "payment-verifier")
	}
	if breaker == nil {
		breaker = NewCircuitBreaker(5, defaultBreakerReset, logger)
	}
	v := &Verifier{
		records: records,
		gateway: gateway,
		breaker: breaker,
		retry:   RetryConfig{MaxAttempts: 1},
		tracer:  otel.Tracer("storefront.payment"),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify проверяет платёж для способа оплаты вне запроса. Ошибка означает проблему
// инфраструктуры, а не отрицательный результат проверки. Для подтверждённого платежа
// возвращается сумма из платёжной записи.
func (v *Verifier) Verify(ctx context.Context, reference string, method domain.PaymentMethod) (domain.Verification, error) {
	ctx, span := v.tracer.Start(ctx, "payment.Verify", trace.WithAttributes(
		attribute.String("payment.method", string(method)),
		attribute.String("payment.reference", reference),
	))
	defer span.End()

	if !method.OutOfBand() {
		return domain.Verification{Result: domain.VerificationNotFound},
			fmt.Errorf("method %q has no external verification: %w", method, domain.ErrInvalidRequest)
	}

	reference = strings.TrimSpace(reference)
	if reference == "" {
		span.SetAttributes(attribute.String("payment.result", string(domain.VerificationNotFound)))
		return domain.Verification{Result: domain.VerificationNotFound}, nil
	}

	record, err := v.records.GetByReference(ctx, reference)
	switch {
	case errors.Is(err, domain.ErrPaymentRecordNotFound):
		return v.finish(span, reference, domain.VerificationNotFound), nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "load payment record")
		return domain.Verification{Result: domain.VerificationNotFound}, fmt.Errorf("load payment record: %w", err)
	}

	if !record.IsPaid || record.Method != method {
		return v.finish(span, reference, domain.VerificationNotFound), nil
	}
	if record.ExternalSessionID == "" {
		return v.finish(span, reference, domain.VerificationNotCompleted), nil
	}

	var session domain.GatewaySession
	var sessionMissing bool
	err = withRetry(ctx, v.retry, v.logger, "fetch_session", func() error {
		return v.breaker.Execute("fetch_session", func() error {
			s, err := v.gateway.FetchSession(ctx, method, record.ExternalSessionID)
			if errors.Is(err, ErrSessionNotFound) {
				sessionMissing = true
				return nil
			}
			session = s
			return err
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "gateway")
		v.logger.WithError(err).WithFields(log.Fields{
			"reference": reference,
			"method":    method,
		}).Warn("payment gateway check failed")
		return domain.Verification{Result: domain.VerificationNotCompleted}, err
	}

	if sessionMissing || !session.Status.Settled() {
		return v.finish(span, reference, domain.VerificationNotCompleted), nil
	}
	// Шлюз, который сообщает сумму, должен подтвердить ту же сумму, что записана локально.
	if session.AmountMinor > 0 && (session.AmountMinor != record.AmountMinor ||
		!strings.EqualFold(session.Currency, record.Currency)) {
		v.logger.WithFields(log.Fields{
			"reference":      reference,
			"record_amount":  record.AmountMinor,
			"gateway_amount": session.AmountMinor,
		}).Warn("payment amount differs from gateway session")
		return v.finish(span, reference, domain.VerificationNotCompleted), nil
	}

	verified := v.finish(span, reference, domain.VerificationVerified)
	verified.AmountMinor = record.AmountMinor
	verified.Currency = record.Currency
	return verified, nil
}

func (v *Verifier) finish(span trace.Span, reference string, result domain.VerificationResult) domain.Verification {
	span.SetAttributes(attribute.String("payment.result", string(result)))
	v.logger.WithFields(log.Fields{
		"reference": reference,
		"result":    result,
	}).Debug("payment verified")
	return domain.Verification{Result: result}
}

var _ domain.PaymentVerifier = (*Verifier)(nil)
