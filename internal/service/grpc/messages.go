package grpcsvc

import (
	"encoding/json"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

// CreateOrderRequest повторяет тело HTTP-запроса оформления.
type CreateOrderRequest struct {
	checkout.CreateOrderRequest
}

type CreateOrderResponse struct {
	Order *Order `json:"order"`
}

type GetOrderRequest struct {
	OrderID string `json:"order_id"`
}

// GetOrderResponse содержит заказ и его таймлайн.
type GetOrderResponse struct {
	Order    *Order           `json:"order"`
	Timeline []*TimelineEvent `json:"timeline"`
}

type ListOrdersRequest struct {
	UserID        string `json:"user_id,omitempty"`
	Status        string `json:"status,omitempty"`
	PaymentStatus string `json:"payment_status,omitempty"`
	Query         string `json:"query,omitempty"`
	Page          int32  `json:"page,omitempty"`
	PageSize      int32  `json:"page_size,omitempty"`
}

type ListOrdersResponse struct {
	Orders   []*Order `json:"orders"`
	Total    int32    `json:"total"`
	Page     int32    `json:"page"`
	PageSize int32    `json:"page_size"`
}

// UpdateOrderStatusRequest — административное изменение заказа.
type UpdateOrderStatusRequest struct {
	OrderID       string  `json:"order_id"`
	Status        string  `json:"status,omitempty"`
	PaymentStatus string  `json:"payment_status,omitempty"`
	Notes         *string `json:"notes,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

type UpdateOrderStatusResponse struct {
	Order *Order `json:"order"`
}

// CancelOrderRequest — отмена заказа.
type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
}

type CancelOrderResponse struct {
	Order *Order `json:"order"`
}

// Order — представление заказа в gRPC API. Суммы передаются и в минимальных единицах,
// и десятичной строкой.
type Order struct {
	ID               string              `json:"id"`
	UserID           string              `json:"user_id,omitempty"`
	Status           string              `json:"status"`
	PaymentStatus    string              `json:"payment_status"`
	PaymentMethod    string              `json:"payment_method"`
	PaymentReference string              `json:"payment_reference,omitempty"`
	Currency         string              `json:"currency"`
	TotalMinor       int64               `json:"total_minor"`
	Total            string              `json:"total"`
	Items            []*OrderItem        `json:"items"`
	CustomerEmail    string              `json:"customer_email,omitempty"`
	CustomerName     string              `json:"customer_name,omitempty"`
	Shipping         domain.ShippingInfo `json:"shipping"`
	Notes            string              `json:"notes,omitempty"`
	DeliveredAt      int64               `json:"delivered_at,omitempty"`
	Version          int64               `json:"version"`
	CreatedAt        int64               `json:"created_at"`
	UpdatedAt        int64               `json:"updated_at"`
}

type OrderItem struct {
	ProductID       string          `json:"product_id"`
	Quantity        int32           `json:"quantity"`
	PriceMinor      int64           `json:"price_minor"`
	Price           string          `json:"price"`
	ProductName     string          `json:"product_name"`
	ProductImage    string          `json:"product_image,omitempty"`
	ProductMetadata json.RawMessage `json:"product_metadata,omitempty"`
}

// TimelineEvent — событие таймлайна; время в секундах Unix.
type TimelineEvent struct {
	Type     string `json:"type"`
	Reason   string `json:"reason,omitempty"`
	UnixTime int64  `json:"unix_time"`
}

func toOrder(order domain.Order) *Order {
	exp := domain.CurrencyExponent(order.Currency)
	out := &Order{
		ID:               order.ID,
		UserID:           order.UserID,
		Status:           string(order.Status),
		PaymentStatus:    string(order.PaymentStatus),
		PaymentMethod:    string(order.PaymentMethod),
		PaymentReference: order.PaymentReference,
		Currency:         order.Currency,
		TotalMinor:       order.TotalMinor,
		Total:            domain.Money(order.TotalMinor, order.Currency).StringFixed(exp),
		Items:            make([]*OrderItem, 0, len(order.Items)),
		CustomerEmail:    order.Customer.Email,
		CustomerName:     order.Customer.Name,
		Shipping:         order.Customer.Shipping,
		Notes:            order.Notes,
		Version:          order.Version,
		CreatedAt:        order.CreatedAt.Unix(),
		UpdatedAt:        order.UpdatedAt.Unix(),
	}
	if order.DeliveredAt != nil {
		out.DeliveredAt = order.DeliveredAt.Unix()
	}
	for _, item := range order.Items {
		out.Items = append(out.Items, &OrderItem{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			PriceMinor:      item.PriceMinor,
			Price:           domain.Money(item.PriceMinor, order.Currency).StringFixed(exp),
			ProductName:     item.ProductName,
			ProductImage:    item.ProductImage,
			ProductMetadata: item.ProductMetadata,
		})
	}
	return out
}

func toTimeline(events []domain.TimelineEvent) []*TimelineEvent {
	out := make([]*TimelineEvent, 0, len(events))
	for _, event := range events {
		out = append(out, &TimelineEvent{
			Type:     event.Type,
			Reason:   event.Reason,
			UnixTime: event.Occurred.Unix(),
		})
	}
	return out
}
