package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// AggregateOrder — тип агрегата для событий заказа в outbox.
const AggregateOrder = "order"

// OrderEventItem — позиция заказа в теле события.
type OrderEventItem struct {
	ProductID  string `json:"product_id"`
	Quantity   int32  `json:"quantity"`
	PriceMinor int64  `json:"price_minor"`
}

// OrderEventPayload — тело события заказа, которое уходит в outbox.
type OrderEventPayload struct {
	OrderID       string           `json:"order_id"`
	UserID        string           `json:"user_id,omitempty"`
	Status        OrderStatus      `json:"status"`
	PaymentStatus PaymentStatus    `json:"payment_status"`
	PaymentMethod PaymentMethod    `json:"payment_method"`
	TotalMinor    int64            `json:"total_minor"`
	Currency      string           `json:"currency"`
	Items         []OrderEventItem `json:"items,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	OccurredAt    time.Time        `json:"ts"`
}

// NewOrderOutboxMessage собирает outbox-сообщение из состояния заказа.
func NewOrderOutboxMessage(eventType string, order Order, reason string, at time.Time) (OutboxMessage, error) {
	payload := OrderEventPayload{
		OrderID:       order.ID,
		UserID:        order.UserID,
		Status:        order.Status,
		PaymentStatus: order.PaymentStatus,
		PaymentMethod: order.PaymentMethod,
		TotalMinor:    order.TotalMinor,
		Currency:      order.Currency,
		Reason:        reason,
		OccurredAt:    at.UTC(),
	}
	if eventType == TimelineOrderCreated {
		payload.Items = make([]OrderEventItem, 0, len(order.Items))
		for _, item := range order.Items {
			payload.Items = append(payload.Items, OrderEventItem{
				ProductID:  item.ProductID,
				Quantity:   item.Quantity,
				PriceMinor: item.PriceMinor,
			})
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}

	return OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       data,
		CreatedAt:     at.UTC(),
	}, nil
}
