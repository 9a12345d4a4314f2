package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	// Платёжные события шлюза
	EventTypePaymentIntentCreated EventType = "payment.intent_created"
	EventTypePaymentCaptured      EventType = "payment.captured"
	EventTypePaymentFailed        EventType = "payment.failed"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicPaymentEvents   = "storefront.payment.events"
	TopicDeadLetterQueue = "storefront.dlq"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// PaymentEvent — уведомление платёжного шлюза о сессии оплаты.
type PaymentEvent struct {
	EventType   EventType            `json:"event_type"`
	Reference   string               `json:"reference"`
	Method      domain.PaymentMethod `json:"method"`
	SessionID   string               `json:"session_id"`
	AmountMinor int64                `json:"amount_minor"`
	Currency    string               `json:"currency"`
	Timestamp   time.Time            `json:"timestamp"`
}

// OrderEnvelope — обёртка outbox-сообщения в топике заказов.
type OrderEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// ParsePaymentEvent разбирает PaymentEvent из сообщения и проверяет обязательные поля.
func ParsePaymentEvent(message *sarama.ConsumerMessage) (*PaymentEvent, error) {
	var event PaymentEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment event: %w", err)
	}
	event.Reference = strings.TrimSpace(event.Reference)
	if event.Reference == "" {
		return nil, fmt.Errorf("payment event without reference: %w", domain.ErrInvalidRequest)
	}
	event.Method = domain.PaymentMethod(strings.ToLower(string(event.Method)))
	event.Currency = strings.ToUpper(event.Currency)
	return &event, nil
}

// ParseOrderEnvelope разбирает событие заказа, опубликованное из outbox.
func ParseOrderEnvelope(message *sarama.ConsumerMessage) (*OrderEnvelope, error) {
	var envelope OrderEnvelope
	if err := json.Unmarshal(message.Value, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order envelope: %w", err)
	}
	return &envelope, nil
}
