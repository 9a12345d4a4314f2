package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	verificationCaptured = "captured"
	verificationFailed   = "failed"
)

// PaymentEventHandler применяет вебхуки платёжного шлюза к локальным записям о платежах.
// Эти записи затем читает проверка оплаты при создании заказа.
type PaymentEventHandler struct {
	records domain.PaymentRecordRepository
	logger  *log.Entry
	now     func() time.Time
}

// NewPaymentEventHandler создаёт обработчик топика TopicPaymentEvents.
func NewPaymentEventHandler(records domain.PaymentRecordRepository, logger *log.Entry) *PaymentEventHandler {
	if logger == nil {
		logger = log.WithField("component", "payment-events")
	}
	return &PaymentEventHandler{
		records: records,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle подходит как MessageHandler для Consumer.
func (h *PaymentEventHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	event, err := ParsePaymentEvent(message)
	if err != nil {
		return Permanent(err)
	}
	return h.Apply(ctx, *event)
}

// Apply применяет одно событие. Неизвестные типы пропускаются.
func (h *PaymentEventHandler) Apply(ctx context.Context, event PaymentEvent) error {
	logger := h.logger.WithFields(log.Fields{
		"event_type": event.EventType,
		"reference":  event.Reference,
	})

	at := event.Timestamp
	if at.IsZero() {
		at = h.now()
	}

	switch event.EventType {
	case EventTypePaymentIntentCreated:
		if err := h.upsert(ctx, event); err != nil {
			return err
		}
		logger.Debug("payment intent recorded")
		return nil

	case EventTypePaymentCaptured:
		if err := h.upsert(ctx, event); err != nil {
			return err
		}
		if err := h.records.SetPaid(ctx, event.Reference, true, verificationCaptured, at); err != nil {
			return fmt.Errorf("mark payment %s captured: %w", event.Reference, err)
		}
		logger.Info("payment captured")
		return nil

	case EventTypePaymentFailed:
		existing, err := h.records.GetByReference(ctx, event.Reference)
		switch {
		case errors.Is(err, domain.ErrPaymentRecordNotFound):
			if err := h.upsert(ctx, event); err != nil {
				return err
			}
		case err != nil:
			return fmt.Errorf("load payment %s: %w", event.Reference, err)
		case existing.IsPaid:
			// Запоздавший failed после captured не отменяет оплату.
			logger.Warn("ignoring failure for captured payment")
			return nil
		}
		if err := h.records.SetPaid(ctx, event.Reference, false, verificationFailed, at); err != nil {
			return fmt.Errorf("mark payment %s failed: %w", event.Reference, err)
		}
		logger.Info("payment failed")
		return nil

	default:
		logger.Warn("unknown payment event type, skipping")
		return nil
	}
}

func (h *PaymentEventHandler) upsert(ctx context.Context, event PaymentEvent) error {
	if !event.Method.OutOfBand() {
		return Permanent(fmt.Errorf("payment method %q is not verified by webhook: %w", event.Method, domain.ErrInvalidRequest))
	}
	err := h.records.Upsert(ctx, domain.PaymentRecord{
		Reference:         event.Reference,
		Method:            event.Method,
		ExternalSessionID: event.SessionID,
		AmountMinor:       event.AmountMinor,
		Currency:          event.Currency,
	})
	if err != nil {
		return fmt.Errorf("upsert payment %s: %w", event.Reference, err)
	}
	return nil
}
