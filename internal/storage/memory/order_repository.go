package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepositoryInMemory читает только зафиксированные заказы хранилища.
type orderRepositoryInMemory struct {
	store *Store
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	order, ok := r.store.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	// Отдаём копию, чтобы вызывающий код не мог изменить сохранённые позиции.
	return order.Clone(), nil
}

// List фильтрует заказы и возвращает страницу, новые первыми.
func (r *orderRepositoryInMemory) List(_ context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	filter = filter.Normalize()
	query := strings.ToLower(strings.TrimSpace(filter.Query))

	r.store.mu.RLock()
	matched := make([]domain.Order, 0, len(r.store.orders))
	for _, order := range r.store.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && order.Status != filter.Status {
			continue
		}
		if filter.PaymentStatus != "" && order.PaymentStatus != filter.PaymentStatus {
			continue
		}
		if query != "" && !matchesQuery(order, query) {
			continue
		}
		matched = append(matched, order)
	}
	r.store.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	page := domain.OrderPage{
		Orders:   make([]domain.Order, 0, filter.PageSize),
		Total:    len(matched),
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	start := filter.Offset()
	if start >= len(matched) {
		return page, nil
	}
	end := start + filter.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	for _, order := range matched[start:end] {
		page.Orders = append(page.Orders, order.Clone())
	}

	return page, nil
}

func matchesQuery(order domain.Order, query string) bool {
	fields := []string{order.ID, order.Customer.Email, order.Customer.Name, order.Notes, order.PaymentReference}
	for _, item := range order.Items {
		fields = append(fields, item.ProductName)
	}
	for _, field := range fields {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
