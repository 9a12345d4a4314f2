package inventory

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Ledger ведёт остатки отслеживаемых товаров. Работает только внутри транзакции вызывающего.
type Ledger struct {
	logger *log.Entry
}

// NewLedger создаёт складской леджер.
func NewLedger(logger *log.Entry) *Ledger {
	if logger == nil {
		logger = log.New().WithField("component", "inventory-ledger")
	}
	return &Ledger{logger: logger}
}

// CheckAndReserve блокирует строку товара и списывает qty. Товары без учёта остатка проходят всегда.
func (l *Ledger) CheckAndReserve(ctx context.Context, products domain.ProductStore, productID string, qty int32) error {
	if qty <= 0 {
		return fmt.Errorf("reserve %s: %w", productID, domain.ErrItemQtyInvalid)
	}

	product, err := products.LockByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}
	if !product.Tracked() {
		return nil
	}

	available := product.AvailableStock()
	if available < qty {
		return &domain.InsufficientStockError{
			ProductID: productID,
			Requested: qty,
			Available: available,
		}
	}

	if err := products.SetStock(ctx, productID, available-qty); err != nil {
		return fmt.Errorf("reserve %s: %w", productID, err)
	}

	l.logger.WithFields(log.Fields{
		"product_id": productID,
		"qty":        qty,
		"remaining":  available - qty,
	}).Debug("stock reserved")
	return nil
}

// Release возвращает qty на склад. Используется только при отмене заказа.
func (l *Ledger) Release(ctx context.Context, products domain.ProductStore, productID string, qty int32) error {
	if qty <= 0 {
		return fmt.Errorf("release %s: %w", productID, domain.ErrItemQtyInvalid)
	}

	product, err := products.LockByID(ctx, productID)
	if err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}
	if !product.Tracked() {
		return nil
	}

	if err := products.SetStock(ctx, productID, product.AvailableStock()+qty); err != nil {
		return fmt.Errorf("release %s: %w", productID, err)
	}

	l.logger.WithFields(log.Fields{
		"product_id": productID,
		"qty":        qty,
	}).Debug("stock released")
	return nil
}
