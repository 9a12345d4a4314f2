package domain

import (
	"encoding/json"
	"errors"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// Заказ создан, оплата ещё не подтверждена.
	OrderStatusPending OrderStatus = "pending"
	// Оплата подтверждена, заказ исполняется.
	OrderStatusProcessing OrderStatus = "processing"
	// Товар выдан покупателю.
	OrderStatusCompleted OrderStatus = "completed"
	// Заказ отменён до выдачи.
	OrderStatusCancelled OrderStatus = "cancelled"
	// Деньги возвращены покупателю.
	OrderStatusRefunded OrderStatus = "refunded"
)

var (
	// У заказа не указан код валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// В заказе нет ни одной позиции.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Отрицательная сумма заказа.
	ErrAmountNegative = errors.New("total_minor must be non-negative")
	// Количество в позиции меньше единицы.
	ErrItemQtyInvalid = errors.New("item quantity must be greater than zero")
	// Отрицательная цена позиции.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Сумма заказа не совпадает с суммой позиций.
	ErrAmountMismatch = errors.New("order total does not match items sum")
	// Неизвестный статус заказа или платежа.
	ErrStatusUnknown = errors.New("unknown status")
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded},
}

// Valid проверяет, что статус входит в поддерживаемый набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// CanTransitionTo проверяет допустимость перехода. Переход в тот же статус считается no-op и разрешён.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ShippingInfo — контактные данные, которые покупатель указал при оформлении.
type ShippingInfo struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Empty сообщает, что покупатель не передал контактных данных.
func (s ShippingInfo) Empty() bool {
	return s == ShippingInfo{}
}

// CustomerSnapshot фиксирует данные покупателя на момент оформления.
type CustomerSnapshot struct {
	Email    string
	Name     string
	Shipping ShippingInfo
}

// OrderLineItem — неизменяемая позиция заказа с зафиксированной ценой и описанием товара.
type OrderLineItem struct {
	ID              string
	OrderID         string
	ProductID       string
	Quantity        int32
	PriceMinor      int64
	ProductName     string
	ProductImage    string
	ProductMetadata json.RawMessage
	CreatedAt       time.Time
}

// SubtotalMinor возвращает стоимость позиции.
func (i OrderLineItem) SubtotalMinor() int64 {
	return int64(i.Quantity) * i.PriceMinor
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID string
	// UserID пустой для гостевого заказа.
	UserID           string
	Items            []OrderLineItem
	Currency         string
	TotalMinor       int64
	Status           OrderStatus
	PaymentStatus    PaymentStatus
	PaymentMethod    PaymentMethod
	PaymentReference string
	Customer         CustomerSnapshot
	Notes            string
	DeliveredAt      *time.Time
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsGuest сообщает, что заказ оформлен без аккаунта.
func (o Order) IsGuest() bool {
	return o.UserID == ""
}

// OwnedBy проверяет, принадлежит ли заказ пользователю.
func (o Order) OwnedBy(userID string) bool {
	return userID != "" && o.UserID == userID
}

// Clone делает глубокую копию, чтобы читатели не могли изменить сохранённые позиции.
func (o Order) Clone() Order {
	out := o
	if o.Items != nil {
		out.Items = make([]OrderLineItem, len(o.Items))
		for i, item := range o.Items {
			if item.ProductMetadata != nil {
				item.ProductMetadata = append(json.RawMessage(nil), item.ProductMetadata...)
			}
			out.Items[i] = item
		}
	}
	if o.DeliveredAt != nil {
		at := *o.DeliveredAt
		out.DeliveredAt = &at
	}
	return out
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.TotalMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}
	if !o.Status.Valid() || !o.PaymentStatus.Valid() {
		errs = append(errs, ErrStatusUnknown)
	}

	// Сумма заказа должна совпадать с суммой qty * price по позициям.
	var calc int64
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.SubtotalMinor()
	}
	if calc != o.TotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
