package domain

import (
	"strings"
	"time"
)

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	// Оплата не подтверждена.
	PaymentStatusPending PaymentStatus = "pending"
	// Деньги получены.
	PaymentStatusPaid PaymentStatus = "paid"
	// Провайдер отклонил платёж.
	PaymentStatusFailed PaymentStatus = "failed"
	// Деньги возвращены.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:    {PaymentStatusRefunded},
}

// Valid проверяет, что статус оплаты поддерживается.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет допустимость перехода статуса оплаты.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PaymentMethod — способ оплаты, выбранный покупателем.
type PaymentMethod string

const (
	// Синхронная оплата картой, подтверждается вне ядра.
	PaymentMethodCard PaymentMethod = "card"
	// Оплата через редирект, подтверждается асинхронно.
	PaymentMethodPayPal PaymentMethod = "paypal"
	// Оплата по QR-коду, подтверждается асинхронно.
	PaymentMethodQR PaymentMethod = "qr"
)

// Valid проверяет, что способ оплаты поддерживается.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodPayPal, PaymentMethodQR:
		return true
	default:
		return false
	}
}

// OutOfBand сообщает, что оплата проходит вне запроса и требует проверки до создания заказа.
func (m PaymentMethod) OutOfBand() bool {
	return m == PaymentMethodPayPal || m == PaymentMethodQR
}

// PaymentRecord — локальная запись о внешнем платеже, которую пишет обработчик вебхуков шлюза.
type PaymentRecord struct {
	Reference          string
	Method             PaymentMethod
	ExternalSessionID  string
	AmountMinor        int64
	Currency           string
	IsPaid             bool
	VerificationStatus string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// GatewaySessionStatus — статус сессии оплаты на стороне шлюза.
type GatewaySessionStatus string

const (
	GatewaySessionOpen      GatewaySessionStatus = "open"
	GatewaySessionCompleted GatewaySessionStatus = "completed"
	GatewaySessionCaptured  GatewaySessionStatus = "captured"
	GatewaySessionExpired   GatewaySessionStatus = "expired"
	GatewaySessionFailed    GatewaySessionStatus = "failed"
)

// Settled сообщает, что шлюз считает оплату завершённой.
func (s GatewaySessionStatus) Settled() bool {
	return s == GatewaySessionCompleted || s == GatewaySessionCaptured
}

// GatewaySession — ответ шлюза о состоянии сессии оплаты.
type GatewaySession struct {
	ID          string
	Status      GatewaySessionStatus
	AmountMinor int64
	Currency    string
}

// VerificationResult — итог проверки внешнего платежа.
type VerificationResult string

const (
	// Запись оплачена и шлюз подтвердил завершение.
	VerificationVerified VerificationResult = "verified"
	// Записи нет или она не помечена оплаченной.
	VerificationNotFound VerificationResult = "not_found"
	// Шлюз не подтвердил завершение оплаты.
	VerificationNotCompleted VerificationResult = "not_completed"
)

// Verification несёт итог проверки и сумму, которую подтверждает платёжная запись.
type Verification struct {
	Result      VerificationResult
	AmountMinor int64
	Currency    string
}

// Covers сообщает, что подтверждённый платёж ровно покрывает сумму заказа в его валюте.
func (v Verification) Covers(totalMinor int64, currency string) bool {
	return v.Result == VerificationVerified &&
		v.AmountMinor == totalMinor &&
		strings.EqualFold(strings.TrimSpace(v.Currency), currency)
}
