package domain

import (
	"encoding/json"
	"time"
)

// Product — карточка товара каталога. Остаток меняет только складской леджер внутри транзакции.
type Product struct {
	ID         string
	Name       string
	ImageURL   string
	Metadata   json.RawMessage
	PriceMinor int64
	// Stock равен nil для цифровых товаров без учёта остатков.
	Stock     *int32
	IsActive  bool
	UpdatedAt time.Time
}

// Tracked сообщает, ведётся ли учёт остатка по товару.
func (p Product) Tracked() bool {
	return p.Stock != nil
}

// AvailableStock возвращает текущий остаток отслеживаемого товара.
func (p Product) AvailableStock() int32 {
	if p.Stock == nil {
		return 0
	}
	return *p.Stock
}

// Clone возвращает копию без общих указателей и срезов.
func (p Product) Clone() Product {
	out := p
	if p.Stock != nil {
		stock := *p.Stock
		out.Stock = &stock
	}
	if p.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), p.Metadata...)
	}
	return out
}

// StockOf — хелпер для построения отслеживаемого остатка.
func StockOf(n int32) *int32 {
	return &n
}

// PriceSnapshot фиксирует цену и описание товара на момент оформления заказа.
type PriceSnapshot struct {
	ProductID  string
	PriceMinor int64
	Name       string
	ImageURL   string
	Metadata   json.RawMessage
}
