package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyCart возвращается, если в запросе нет ни одной позиции.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidRequest сигнализирует о некорректных полях запроса.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProductUnavailable возвращается для отсутствующего или неактивного товара.
	ErrProductUnavailable = errors.New("product unavailable")
	// ErrProductNotFound возвращается хранилищем, если строки товара нет.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock возвращается, если остатка не хватает на запрошенное количество.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrPaymentNotVerified возвращается, если внешний платёж не подтверждён.
	ErrPaymentNotVerified = errors.New("payment not verified")
	// ErrPaymentAmountMismatch возвращается, если оплаченная сумма или валюта не совпадает с заказом.
	ErrPaymentAmountMismatch = fmt.Errorf("%w: paid amount does not match order total", ErrPaymentNotVerified)
	// ErrPaymentReferenceUsed возвращается, если по платежу уже оформлен другой заказ.
	ErrPaymentReferenceUsed = fmt.Errorf("%w: payment reference already used by another order", ErrPaymentNotVerified)
	// ErrPaymentRecordNotFound возвращается, если платёжной записи с таким reference нет.
	ErrPaymentRecordNotFound = errors.New("payment record not found")
	// ErrGatewayUnavailable — временная ошибка платёжного шлюза.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrForbidden возвращается, если у запрашивающего нет прав на операцию.
	ErrForbidden = errors.New("forbidden")
	// ErrUnauthenticated возвращается, если операция требует аутентификации.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderAlreadyExists возвращается при повторной вставке заказа с тем же ID.
	ErrOrderAlreadyExists = errors.New("order already exists")
	// ErrInvalidStatusTransition возвращается при недопустимой смене статуса.
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	// ErrInternal — неожиданный сбой хранилища или инфраструктуры.
	ErrInternal = errors.New("internal error")
	// ErrTxDone возвращается при работе с уже завершённой транзакцией.
	ErrTxDone = errors.New("transaction already finished")

	// ErrIdempotencyKeyRequired возвращается, если ключ идемпотентности пустой.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired возвращается, если не передан hash запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят другим запросом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
	// ErrIdempotencyKeyNotFound возвращается, если записи по ключу нет.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")

	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// ProductUnavailableError уточняет, какой именно товар недоступен.
type ProductUnavailableError struct {
	ProductID string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("product %s is unavailable", e.ProductID)
}

// Is позволяет сравнивать ошибку с ErrProductUnavailable через errors.Is.
func (e *ProductUnavailableError) Is(target error) bool {
	return target == ErrProductUnavailable
}

// InsufficientStockError несёт запрошенное и доступное количество.
type InsufficientStockError struct {
	ProductID string
	Requested int32
	Available int32
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// Is позволяет сравнивать ошибку с ErrInsufficientStock через errors.Is.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ValidationError описывает нарушения валидации входного запроса.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %d field(s) failed validation", len(e.Fields))
}

// Is позволяет сравнивать ошибку с ErrInvalidRequest через errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// Стабильные коды ошибок, которые видит клиент.
const (
	CodeEmptyCart               = "EMPTY_CART"
	CodeInvalidRequest          = "INVALID_REQUEST"
	CodeProductUnavailable      = "PRODUCT_UNAVAILABLE"
	CodeInsufficientStock       = "INSUFFICIENT_STOCK"
	CodePaymentNotVerified      = "PAYMENT_NOT_VERIFIED"
	CodeForbidden               = "FORBIDDEN"
	CodeUnauthenticated         = "UNAUTHENTICATED"
	CodeNotFound                = "NOT_FOUND"
	CodeInvalidStatusTransition = "INVALID_STATUS_TRANSITION"
	CodeIdempotencyConflict     = "IDEMPOTENCY_CONFLICT"
	CodeInternal                = "INTERNAL"
)

// ErrorCode сопоставляет ошибку со стабильным кодом. Неизвестные ошибки считаются внутренними.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyCart):
		return CodeEmptyCart
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrIdempotencyKeyRequired):
		return CodeInvalidRequest
	case errors.Is(err, ErrProductUnavailable):
		return CodeProductUnavailable
	case errors.Is(err, ErrInsufficientStock):
		return CodeInsufficientStock
	case errors.Is(err, ErrPaymentNotVerified):
		return CodePaymentNotVerified
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrOrderNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidStatusTransition):
		return CodeInvalidStatusTransition
	case IsIdempotencyConflict(err):
		return CodeIdempotencyConflict
	default:
		return CodeInternal
	}
}

// ErrorForCode возвращает sentinel-ошибку для стабильного кода.
func ErrorForCode(code string) error {
	switch code {
	case CodeEmptyCart:
		return ErrEmptyCart
	case CodeInvalidRequest:
		return ErrInvalidRequest
	case CodeProductUnavailable:
		return ErrProductUnavailable
	case CodeInsufficientStock:
		return ErrInsufficientStock
	case CodePaymentNotVerified:
		return ErrPaymentNotVerified
	case CodeForbidden:
		return ErrForbidden
	case CodeUnauthenticated:
		return ErrUnauthenticated
	case CodeNotFound:
		return ErrOrderNotFound
	case CodeInvalidStatusTransition:
		return ErrInvalidStatusTransition
	case CodeIdempotencyConflict:
		return ErrIdempotencyKeyAlreadyExists
	default:
		return ErrInternal
	}
}

// IsIdempotencyConflict проверяет, что ошибка связана с конфликтом ключа идемпотентности.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
