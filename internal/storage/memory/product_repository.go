package memory

import (
	"context"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type productRepositoryInMemory struct {
	store *Store
}

// Get возвращает зафиксированное состояние товара.
func (r *productRepositoryInMemory) Get(_ context.Context, id string) (domain.Product, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	product, ok := r.store.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product.Clone(), nil
}

// Upsert записывает товар целиком. Вызывается при сидинге каталога, вне транзакций заказов.
func (r *productRepositoryInMemory) Upsert(ctx context.Context, product domain.Product) error {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return domain.ErrInvalidRequest
	}
	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}

	// Берём блокировку строки, чтобы не перетереть остаток посреди чужой транзакции.
	key := productKey(product.ID)
	if err := r.store.locks.acquire(ctx, key); err != nil {
		return err
	}
	defer r.store.locks.release(key)

	r.store.mu.Lock()
	r.store.products[product.ID] = product.Clone()
	r.store.mu.Unlock()
	return nil
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
