package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type LineItemResponse struct {
	ProductID       string          `json:"product_id"`
	Quantity        int32           `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	UnitPriceMinor  int64           `json:"unit_price_minor"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	ProductName     string          `json:"product_name"`
	ProductImage    string          `json:"product_image,omitempty"`
	ProductMetadata json.RawMessage `json:"product_metadata,omitempty"`
}

// CustomerResponse содержит снимок покупателя.
type CustomerResponse struct {
	Email    string              `json:"email,omitempty"`
	Name     string              `json:"name,omitempty"`
	Shipping domain.ShippingInfo `json:"shipping"`
}

type TimelineEventResponse struct {
	Type       string    `json:"type"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderResponse описывает заказ в ответе API. Суммы отдаются десятичной строкой и в минимальных единицах.
type OrderResponse struct {
	ID               string                  `json:"id"`
	UserID           string                  `json:"user_id,omitempty"`
	Guest            bool                    `json:"guest"`
	Status           domain.OrderStatus      `json:"status"`
	PaymentStatus    domain.PaymentStatus    `json:"payment_status"`
	PaymentMethod    domain.PaymentMethod    `json:"payment_method"`
	PaymentReference string                  `json:"payment_reference,omitempty"`
	Currency         string                  `json:"currency"`
	Total            decimal.Decimal         `json:"total"`
	TotalMinor       int64                   `json:"total_minor"`
	Items            []LineItemResponse      `json:"items"`
	Customer         CustomerResponse        `json:"customer"`
	Notes            string                  `json:"notes,omitempty"`
	DeliveredAt      *time.Time              `json:"delivered_at,omitempty"`
	Version          int64                   `json:"version"`
	CreatedAt        time.Time               `json:"created_at"`
	UpdatedAt        time.Time               `json:"updated_at"`
	Timeline         []TimelineEventResponse `json:"timeline,omitempty"`
}

type OrderListResponse struct {
	Orders   []OrderResponse `json:"orders"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	Total    int             `json:"total"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail несёт стабильный код и подробности для клиента.
type ErrorDetail struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	ProductID string            `json:"product_id,omitempty"`
	Requested int32             `json:"requested,omitempty"`
	Available *int32            `json:"available,omitempty"`
}

func toOrderResponse(order domain.Order, timeline []domain.TimelineEvent) OrderResponse {
	items := make([]LineItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, LineItemResponse{
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			UnitPrice:       domain.Money(item.PriceMinor, order.Currency),
			UnitPriceMinor:  item.PriceMinor,
			Subtotal:        domain.Money(item.SubtotalMinor(), order.Currency),
			ProductName:     item.ProductName,
			ProductImage:    item.ProductImage,
			ProductMetadata: item.ProductMetadata,
		})
	}

	resp := OrderResponse{
		ID:               order.ID,
		UserID:           order.UserID,
		Guest:            order.IsGuest(),
		Status:           order.Status,
		PaymentStatus:    order.PaymentStatus,
		PaymentMethod:    order.PaymentMethod,
		PaymentReference: order.PaymentReference,
		Currency:         order.Currency,
		Total:            domain.Money(order.TotalMinor, order.Currency),
		TotalMinor:       order.TotalMinor,
		Items:            items,
		Customer: CustomerResponse{
			Email:    order.Customer.Email,
			Name:     order.Customer.Name,
			Shipping: order.Customer.Shipping,
		},
		Notes:       order.Notes,
		DeliveredAt: order.DeliveredAt,
		Version:     order.Version,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
	}
	for _, event := range timeline {
		resp.Timeline = append(resp.Timeline, TimelineEventResponse{
			Type:       event.Type,
			Reason:     event.Reason,
			OccurredAt: event.Occurred,
		})
	}
	return resp
}

func toOrderListResponse(page domain.OrderPage) OrderListResponse {
	resp := OrderListResponse{
		Orders:   make([]OrderResponse, 0, len(page.Orders)),
		Page:     page.Page,
		PageSize: page.PageSize,
		Total:    page.Total,
	}
	for _, order := range page.Orders {
		resp.Orders = append(resp.Orders, toOrderResponse(order, nil))
	}
	return resp
}
