// Package pricing фиксирует цену и описание товара на момент оформления заказа.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Resolver читает товар через транзакцию заказа и строит снимок цены.
type Resolver struct{}

// NewResolver создаёт резолвер цен.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Snapshot блокирует строку товара и возвращает снимок. Отсутствующий или неактивный товар
// даёт ProductUnavailableError.
func (r *Resolver) Snapshot(ctx context.Context, products domain.ProductStore, productID string) (domain.PriceSnapshot, error) {
	product, err := products.LockByID(ctx, productID)
	if err != nil {
		if errors.Is(err, domain.ErrProductNotFound) {
			return domain.PriceSnapshot{}, &domain.ProductUnavailableError{ProductID: productID}
		}
		return domain.PriceSnapshot{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	if !product.IsActive {
		return domain.PriceSnapshot{}, &domain.ProductUnavailableError{ProductID: productID}
	}

	return domain.PriceSnapshot{
		ProductID:  product.ID,
		PriceMinor: product.PriceMinor,
		Name:       product.Name,
		ImageURL:   product.ImageURL,
		Metadata:   product.Clone().Metadata,
	}, nil
}
